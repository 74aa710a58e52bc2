package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/envelope"
)

type ping struct {
	Message string `json:"message"`
}

func newCodec() *envelope.Codec {
	codec := envelope.NewCodec()
	codec.Register("ping", envelope.JSONSchema{CurrentVersion: 1, New: func() interface{} { return &ping{} }})
	return codec
}

func newBus(t *testing.T, rdb *redis.Client, selfID string) *bus.Bus {
	t.Helper()
	b := bus.New(rdb, newCodec(), selfID, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sender := newBus(t, rdb, "sender")
	receiver := newBus(t, rdb, "receiver")

	var mu sync.Mutex
	var got *ping
	require.NoError(t, receiver.Subscribe("ping", func(_ envelope.Envelope, payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		got = payload.(*ping)
	}))

	// Give the subscription's background goroutine a moment to attach
	// before publishing, matching the eventual-subscribe nature of
	// redis pub/sub (no delivery guarantee to a not-yet-subscribed client).
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sender.Broadcast("ping", ping{Message: "hello"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Message == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestSendOnlyReachesTargetedIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sender := newBus(t, rdb, "sender")
	target := newBus(t, rdb, "target-1")
	bystander := newBus(t, rdb, "target-2")

	var mu sync.Mutex
	var targetHits, bystanderHits int
	require.NoError(t, target.Subscribe("ping", func(envelope.Envelope, interface{}) {
		mu.Lock()
		targetHits++
		mu.Unlock()
	}))
	require.NoError(t, bystander.Subscribe("ping", func(envelope.Envelope, interface{}) {
		mu.Lock()
		bystanderHits++
		mu.Unlock()
	}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sender.Send("target-1", "ping", ping{Message: "direct"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return targetHits == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, 0, bystanderHits)
	mu.Unlock()
}

func TestRequestReceivesReply(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	requester := newBus(t, rdb, "requester")
	responder := newBus(t, rdb, "responder")

	require.NoError(t, responder.Subscribe("ping", func(env envelope.Envelope, payload interface{}) {
		p := payload.(*ping)
		_ = responder.Reply(env.Sender, "ping", env.CorrelationID, ping{Message: "echo:" + p.Message})
	}))

	time.Sleep(20 * time.Millisecond)
	_, payload, err := requester.Request(context.Background(), "responder", "ping", ping{Message: "hi"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo:hi", payload.(*ping).Message)
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	requester := newBus(t, rdb, "requester")

	_, _, err := requester.Request(context.Background(), "nobody-home", "ping", ping{Message: "hi"}, 30*time.Millisecond)
	require.ErrorIs(t, err, bus.ErrTimeout)
}

func TestSubscriberPanicDoesNotStopWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sender := newBus(t, rdb, "sender")
	receiver := newBus(t, rdb, "receiver")

	var mu sync.Mutex
	var secondCalled bool
	require.NoError(t, receiver.Subscribe("ping", func(envelope.Envelope, interface{}) {
		panic("boom")
	}))
	require.NoError(t, receiver.Subscribe("ping", func(envelope.Envelope, interface{}) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
	}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sender.Broadcast("ping", ping{Message: "x"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalled
	}, time.Second, 5*time.Millisecond, "a panicking handler must not prevent sibling handlers from running")
}

func TestRefreshServerIdentityMovesDirectChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sender := newBus(t, rdb, "sender")
	receiver := newBus(t, rdb, "temp-123")

	var mu sync.Mutex
	var got *ping
	require.NoError(t, receiver.Subscribe("ping", func(_ envelope.Envelope, payload interface{}) {
		mu.Lock()
		got = payload.(*ping)
		mu.Unlock()
	}))

	require.NoError(t, receiver.RefreshServerIdentity("server-7"))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sender.Send("server-7", "ping", ping{Message: "rebound"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Message == "rebound"
	}, time.Second, 5*time.Millisecond)
}
