// Package bus implements the message bus (§4.2): broadcast, directed
// send and request/response over Redis pub/sub channels (§6). The
// worker-per-subscription model and buffered channel plumbing mirror
// the teacher's Manager.eventChannel/produceChannel pair in
// manager.go, generalised from a single fixed pipeline into one
// worker goroutine per registered type so ordering is preserved
// per-type rather than globally.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/envelope"
)

// ErrTimeout is returned by Request when no reply arrives before the
// deadline.
var ErrTimeout = errors.New("bus: request timed out")

const (
	broadcastPrefix = "fulcrum:bus:broadcast:"
	directPrefix    = "fulcrum:bus:direct:"
	replyPrefix     = "fulcrum:bus:reply:"
)

func broadcastChannel(typeName string) string { return broadcastPrefix + typeName }
func directChannel(id string) string           { return directPrefix + id }
func replyChannel(senderID string) string      { return replyPrefix + senderID }

// Handler processes a single decoded envelope plus its payload.
type Handler func(env envelope.Envelope, payload interface{})

// subscription holds a per-type worker: a buffered channel and the
// goroutine draining it, so handler invocation for a given type is
// strictly ordered and isolated from other types (§4.2, §5).
type subscription struct {
	typeName string
	queue    chan decodedEnvelope
	handlers []Handler
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// decodedEnvelope pairs an Envelope with its already-resolved payload
// so a worker never needs to re-decode the wire bytes.
type decodedEnvelope struct {
	env     envelope.Envelope
	payload interface{}
}

// Bus is a single-process façade over Redis pub/sub providing
// broadcast/send/request primitives. One Bus instance is owned per
// identity (server or proxy process).
type Bus struct {
	rdb   *redis.Client
	codec *envelope.Codec
	log   zerolog.Logger

	mu   sync.RWMutex
	self string // currentServerId(): tempId until REGISTERED, then id

	subsMu sync.Mutex
	subs   map[string]*subscription

	corrMu sync.Mutex
	corr   map[string]chan decodedEnvelope

	directPS *redis.PubSub
	replyPS  *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus bound to rdb, initially identified by tempID.
func New(rdb *redis.Client, codec *envelope.Codec, tempID string, log zerolog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		rdb:    rdb,
		codec:  codec,
		log:    log.With().Str("component", "bus").Logger(),
		self:   tempID,
		subs:   make(map[string]*subscription),
		corr:   make(map[string]chan decodedEnvelope),
		ctx:    ctx,
		cancel: cancel,
	}
	b.directPS = rdb.Subscribe(ctx, directChannel(tempID))
	b.replyPS = rdb.Subscribe(ctx, replyChannel(tempID))
	b.wg.Add(2)
	go b.drainDirect()
	go b.drainReply()
	return b
}

// CurrentServerID returns the identity currently used for direct/reply
// channel filtering — the tempId prior to REGISTER completion, the
// assigned id afterwards.
func (b *Bus) CurrentServerID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.self
}

// RefreshServerIdentity swaps in the assigned id once the state
// machine transitions to REGISTERED and replays subscriptions so
// target == self.id filtering keeps working (§4.2's
// refreshServerIdentity contract).
func (b *Bus) RefreshServerIdentity(newID string) error {
	b.mu.Lock()
	oldID := b.self
	b.self = newID
	b.mu.Unlock()

	if oldID == newID {
		return nil
	}

	if err := b.directPS.Unsubscribe(b.ctx, directChannel(oldID)); err != nil {
		b.log.Warn().Err(err).Msg("failed to unsubscribe old direct channel")
	}
	if err := b.directPS.Subscribe(b.ctx, directChannel(newID)); err != nil {
		return err
	}
	if err := b.replyPS.Unsubscribe(b.ctx, replyChannel(oldID)); err != nil {
		b.log.Warn().Err(err).Msg("failed to unsubscribe old reply channel")
	}
	return b.replyPS.Subscribe(b.ctx, replyChannel(newID))
}

// Broadcast fans a payload out to every subscriber of typeName,
// network-wide.
func (b *Bus) Broadcast(typeName string, payload interface{}) error {
	return b.publish(broadcastChannel(typeName), typeName, payload, nil, "")
}

// Send delivers a payload directed at a single identity.
func (b *Bus) Send(targetID, typeName string, payload interface{}) error {
	return b.publish(directChannel(targetID), typeName, payload, &targetID, "")
}

func (b *Bus) publish(channel, typeName string, payload interface{}, target *string, correlationID string) error {
	data, err := b.codec.Encode(typeName, payload, b.CurrentServerID(), target, correlationID)
	if err != nil {
		b.log.Warn().Err(err).Str("type", typeName).Msg("failed to encode envelope")
		return err
	}

	// Publishing is non-blocking for the caller: the actual network
	// call is handed to a short-lived goroutine so Broadcast/Send never
	// block on Redis round-trip latency (§4.2).
	go func() {
		if err := b.rdb.Publish(b.ctx, channel, data).Err(); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("publish failed")
		}
	}()
	return nil
}

// Request sends a directed message and blocks until a reply with a
// matching correlationId arrives or timeout elapses. The correlation
// table entry is removed either way (§4.2, §8 property 5).
func (b *Bus) Request(ctx context.Context, targetID, typeName string, payload interface{}, timeout time.Duration) (envelope.Envelope, interface{}, error) {
	correlationID := uuid.NewString()

	ch := make(chan decodedEnvelope, 1)
	b.corrMu.Lock()
	b.corr[correlationID] = ch
	b.corrMu.Unlock()

	defer func() {
		b.corrMu.Lock()
		delete(b.corr, correlationID)
		b.corrMu.Unlock()
	}()

	if err := b.publish(directChannel(targetID), typeName, payload, &targetID, correlationID); err != nil {
		return envelope.Envelope{}, nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case de := <-ch:
		return de.env, de.payload, nil
	case <-timer.C:
		return envelope.Envelope{}, nil, fmt.Errorf("%w: correlation=%s type=%s", ErrTimeout, correlationID, typeName)
	case <-ctx.Done():
		return envelope.Envelope{}, nil, ctx.Err()
	case <-b.ctx.Done():
		return envelope.Envelope{}, nil, b.ctx.Err()
	}
}

// Reply publishes a response envelope carrying the original
// correlationId to the original sender's reply channel.
func (b *Bus) Reply(originalSender, typeName, correlationID string, payload interface{}) error {
	return b.publish(replyChannel(originalSender), typeName, payload, &originalSender, correlationID)
}

// Subscribe registers handler for typeName. The first Subscribe for a
// type starts a dedicated Redis subscription and worker goroutine;
// subsequent Subscribe calls for the same type just append the
// handler so publication order is preserved across all of that type's
// handlers (§4.2, §5).
func (b *Bus) Subscribe(typeName string, handler Handler) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	sub, ok := b.subs[typeName]
	if ok {
		sub.mu.Lock()
		sub.handlers = append(sub.handlers, handler)
		sub.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(b.ctx)
	sub = &subscription{
		typeName: typeName,
		queue:    make(chan decodedEnvelope, 1024),
		handlers: []Handler{handler},
		ctx:      ctx,
		cancel:   cancel,
	}
	b.subs[typeName] = sub

	ps := b.rdb.Subscribe(ctx, broadcastChannel(typeName))
	b.wg.Add(2)
	go b.pump(ctx, ps, sub)
	go b.worker(sub)
	return nil
}

// Unsubscribe drops every handler registered for typeName and stops
// that type's Redis subscription and worker. It takes no handler
// argument: a single handler cannot be removed while keeping the
// others for the same type.
func (b *Bus) Unsubscribe(typeName string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if sub, ok := b.subs[typeName]; ok {
		sub.cancel()
		delete(b.subs, typeName)
	}
}

func (b *Bus) pump(ctx context.Context, ps *redis.PubSub, sub *subscription) {
	defer b.wg.Done()
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, payload, err := b.codec.Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Str("type", sub.typeName).Msg("failed to decode envelope")
				continue
			}
			select {
			case sub.queue <- decodedEnvelope{env: env, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bus) worker(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case de := <-sub.queue:
			sub.mu.Lock()
			handlers := append([]Handler(nil), sub.handlers...)
			sub.mu.Unlock()

			for _, h := range handlers {
				b.invokeSafely(h, de.env, de.payload)
			}
		}
	}
}

// invokeSafely runs a handler and recovers a panic, logging it instead
// of letting it take down the worker — matching §4.2's "subscribers
// that throw are logged; the exception does not affect sibling
// subscribers or subsequent messages."
func (b *Bus) invokeSafely(h Handler, env envelope.Envelope, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("type", env.Type).Msg("subscriber panicked")
		}
	}()
	h(env, payload)
}

func (b *Bus) drainDirect() {
	defer b.wg.Done()
	b.drainCorrelatable(b.directPS)
}

func (b *Bus) drainReply() {
	defer b.wg.Done()
	b.drainCorrelatable(b.replyPS)
}

// drainCorrelatable handles both direct and reply channels: any
// envelope whose correlationId matches an outstanding Request() wakes
// that caller; otherwise it is dispatched to type subscribers the same
// as a broadcast message (a directed, non-reply message still needs
// its handler invoked).
func (b *Bus) drainCorrelatable(ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, payload, err := b.codec.Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Msg("failed to decode direct/reply envelope")
				continue
			}

			if env.CorrelationID != "" {
				b.corrMu.Lock()
				waiter, ok := b.corr[env.CorrelationID]
				b.corrMu.Unlock()
				if ok {
					select {
					case waiter <- decodedEnvelope{env: env, payload: payload}:
					default:
					}
					continue
				}
			}

			b.subsMu.Lock()
			sub, ok := b.subs[env.Type]
			b.subsMu.Unlock()
			if !ok {
				continue
			}
			select {
			case sub.queue <- decodedEnvelope{env: env, payload: payload}:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// Close stops all subscriptions and workers, draining in-flight
// handlers up to a 5s deadline before forcibly aborting (§5 shutdown
// drain policy).
func (b *Bus) Close() error {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		sub.cancel()
	}
	b.subs = make(map[string]*subscription)
	b.subsMu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.log.Warn().Msg("bus close deadline exceeded, forcing abort")
	}
	return nil
}
