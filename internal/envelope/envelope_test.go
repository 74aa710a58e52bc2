package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/envelope"
)

type greeting struct {
	Name string `json:"name"`
}

func newCodec(t *testing.T) *envelope.Codec {
	t.Helper()
	codec := envelope.NewCodec()
	codec.Register("greeting", envelope.JSONSchema{
		CurrentVersion: 1,
		New:            func() interface{} { return &greeting{} },
	})
	return codec
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := newCodec(t)

	data, err := codec.Encode("greeting", greeting{Name: "ada"}, "sender-1", nil, "")
	require.NoError(t, err)

	env, payload, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "greeting", env.Type)
	assert.Equal(t, "sender-1", env.Sender)
	assert.Equal(t, &greeting{Name: "ada"}, payload)
}

func TestDecodeUnknownType(t *testing.T) {
	codec := newCodec(t)
	_, _, err := codec.Decode([]byte(`{"type":"mystery","sender":"a","payload":{}}`))
	require.Error(t, err)
	var unknown *envelope.UnknownTypeError
	assert.ErrorAs(t, err, &unknown)
}

func TestDecodeMalformedBody(t *testing.T) {
	codec := newCodec(t)
	_, _, err := codec.Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestVersionMismatch(t *testing.T) {
	codec := newCodec(t)
	_, _, err := codec.Decode([]byte(`{"type":"greeting","sender":"a","version":99,"payload":{"name":"ada"}}`))
	require.Error(t, err)
	var mismatch *envelope.VersionMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestRegisterIsIdempotent(t *testing.T) {
	codec := envelope.NewCodec()
	first := envelope.JSONSchema{CurrentVersion: 1, New: func() interface{} { return &greeting{} }}
	second := envelope.JSONSchema{CurrentVersion: 2, New: func() interface{} { return &greeting{} }}

	codec.Register("greeting", first)
	codec.Register("greeting", second)

	data, err := codec.Encode("greeting", greeting{Name: "ada"}, "s", nil, "")
	require.NoError(t, err)
	env, _, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version, "second Register call should have been a no-op")
}

func TestUnknownFieldsIgnoredOnUnmarshal(t *testing.T) {
	codec := newCodec(t)
	raw := []byte(`{"type":"greeting","sender":"a","payload":{"name":"ada","extra":"kept-or-ignored"}}`)
	_, payload, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, &greeting{Name: "ada"}, payload)
}
