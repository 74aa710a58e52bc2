// Package envelope implements the wire codec for MessageEnvelope (§4.1,
// §6). It mirrors the teacher's StreamEvent/marshaler registration
// pattern (manager.go's marshalers map, marshal.go's addMarshaler) but
// generalised into a process-local schema registry keyed by type and
// version instead of a fixed event switch.
package envelope

import (
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the decoded form of a MessageEnvelope.
type Envelope struct {
	Type          string          `json:"type"`
	Sender        string          `json:"sender"`
	Target        *string         `json:"target"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     int64           `json:"timestamp"`
	Version       int             `json:"version"`
	Payload       jsoniter.RawMessage `json:"payload"`
}

// Schema is the capability interface each registered payload type
// implements, per DESIGN NOTES §9 ("runtime-registered schemas" ->
// capability interface). encode/decode operate on the payload only;
// the envelope wrapper is handled by Codec.
type Schema interface {
	// Version is the current schema version this handler accepts.
	Version() int
	// Encode marshals a typed payload value to JSON bytes.
	Encode(payload interface{}) ([]byte, error)
	// Decode unmarshals JSON bytes into a fresh value of the payload's
	// Go type and returns it.
	Decode(data []byte, version int) (interface{}, error)
}

// UnknownTypeError is returned by Encode and Decode when the
// envelope's type has no registered schema.
type UnknownTypeError struct{ Type string }

func (e *UnknownTypeError) Error() string { return fmt.Sprintf("envelope: unknown type %q", e.Type) }

// DecodeError wraps a malformed-body failure.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("envelope: decode %q: %v", e.Type, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// VersionMismatchError is returned when a schema handler rejects the
// wire version.
type VersionMismatchError struct {
	Type    string
	Wire    int
	Current int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("envelope: %q version mismatch: wire=%d current=%d", e.Type, e.Wire, e.Current)
}

// Codec is a process-local registry mapping type -> Schema. Registration
// must happen before Subscribe for that type is called on the bus
// (§4.1); the zero value is not usable, use NewCodec.
type Codec struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewCodec creates an empty Codec.
func NewCodec() *Codec {
	return &Codec{schemas: make(map[string]Schema)}
}

// Register associates a type name with its Schema. Re-registering the
// same type is a no-op, matching addMarshaler's idempotent guard in
// the teacher's marshal.go.
func (c *Codec) Register(typeName string, schema Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schemas[typeName]; ok {
		return
	}
	c.schemas[typeName] = schema
}

// Encode builds envelope bytes for a typed payload.
func (c *Codec) Encode(typeName string, payload interface{}, sender string, target *string, correlationID string) ([]byte, error) {
	c.mu.RLock()
	schema, ok := c.schemas[typeName]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{Type: typeName}
	}

	body, err := schema.Encode(payload)
	if err != nil {
		return nil, &DecodeError{Type: typeName, Err: err}
	}

	env := Envelope{
		Type:          typeName,
		Sender:        sender,
		Target:        target,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UnixMilli(),
		Version:       schema.Version(),
		Payload:       jsoniter.RawMessage(body),
	}

	return json.Marshal(env)
}

// Decode parses envelope bytes and resolves+decodes the payload via
// the registered schema. Unknown top-level fields on the wire do not
// cause an error; since we decode into a fixed struct they are
// dropped, not kept.
func (c *Codec) Decode(data []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, &DecodeError{Type: "", Err: err}
	}

	c.mu.RLock()
	schema, ok := c.schemas[env.Type]
	c.mu.RUnlock()
	if !ok {
		return env, nil, &UnknownTypeError{Type: env.Type}
	}

	if env.Version > schema.Version() {
		return env, nil, &VersionMismatchError{Type: env.Type, Wire: env.Version, Current: schema.Version()}
	}

	payload, err := schema.Decode(env.Payload, env.Version)
	if err != nil {
		return env, nil, &DecodeError{Type: env.Type, Err: err}
	}

	return env, payload, nil
}

// JSONSchema is a convenience Schema implementation for payload types
// that round-trip through encoding/json-compatible marshaling (the
// common case — every payload in this codebase). Decode unmarshals
// into the fresh typed value from New: unknown payload fields do not
// cause an error but are dropped, not kept on the decoded value.
type JSONSchema struct {
	CurrentVersion int
	// New returns a pointer to a fresh zero value of the payload type.
	New func() interface{}
}

func (s JSONSchema) Version() int { return s.CurrentVersion }

func (s JSONSchema) Encode(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

func (s JSONSchema) Decode(data []byte, version int) (interface{}, error) {
	target := s.New()
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}
