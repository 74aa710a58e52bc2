// Package heartbeat implements the periodic sweeper (§4.5): classifies
// every registered identity AVAILABLE -> UNAVAILABLE -> DEAD based on
// time since last heartbeat, and snapshots+evicts identities that go
// DEAD. The ticker-driven loop with idempotent, error-tolerant passes
// mirrors the teacher's gateway/shard.go heartbeat ticker inside
// Shard.connect (send-on-tick, never retry inline, keep going).
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

// Defaults per §6.
const (
	DefaultPeriod            = 1 * time.Second
	DefaultUnavailableTimeout = 5 * time.Second
	DefaultDeadTimeout        = 30 * time.Second
)

// Config tunes sweeper timeouts; zero values fall back to defaults.
type Config struct {
	Period             time.Duration
	UnavailableTimeout time.Duration
	DeadTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.UnavailableTimeout <= 0 {
		c.UnavailableTimeout = DefaultUnavailableTimeout
	}
	if c.DeadTimeout <= 0 {
		c.DeadTimeout = DefaultDeadTimeout
	}
	return c
}

// Sweeper owns one periodic classification task.
type Sweeper struct {
	store *registry.Store
	bus   *bus.Bus
	cfg   Config
	log   zerolog.Logger

	// previously tracks the last status we logged a transition for, so
	// UNAVAILABLE is only logged once per transition (§4.5).
	previously map[string]identity.Status

	now func() time.Time
}

// New creates a Sweeper bound to store and bus (bus may be nil if the
// caller doesn't want deregistration notifications published).
func New(store *registry.Store, b *bus.Bus, cfg Config, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		bus:        b,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "heartbeat-sweeper").Logger(),
		previously: make(map[string]identity.Status),
		now:        time.Now,
	}
}

// Run blocks, ticking every cfg.Period until ctx is cancelled. Each
// tick's errors are logged and swallowed — the sweeper never stops and
// never retries inline; the next tick simply observes a wider delta
// (§4.5, §7).
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.tick(ctx, identity.KindGame)
			sw.tick(ctx, identity.KindProxy)
		}
	}
}

// SetNowForTest overrides the sweeper's clock; only meant for tests.
func (sw *Sweeper) SetNowForTest(now func() time.Time) {
	sw.now = now
}

// TickForTest runs a single classification pass; only meant for tests
// that want sub-tick control instead of waiting on Run's ticker.
func (sw *Sweeper) TickForTest(ctx context.Context, kind identity.Kind) {
	sw.tick(ctx, kind)
}

func (sw *Sweeper) tick(ctx context.Context, kind identity.Kind) {
	scores, err := sw.store.HeartbeatScores(ctx, kind)
	if err != nil {
		sw.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to read heartbeat scores")
		return
	}

	nowMs := sw.now().UnixMilli()

	for id, lastSeen := range scores {
		delta := time.Duration(nowMs-lastSeen) * time.Millisecond
		sw.classify(ctx, kind, id, delta, nowMs)
	}
}

func (sw *Sweeper) classify(ctx context.Context, kind identity.Kind, id string, delta time.Duration, nowMs int64) {
	switch {
	case delta < sw.cfg.UnavailableTimeout:
		sw.setAvailable(ctx, kind, id)
	case delta < sw.cfg.DeadTimeout:
		sw.setUnavailable(ctx, kind, id)
	default:
		sw.setDead(ctx, kind, id, nowMs)
	}
}

func (sw *Sweeper) setAvailable(ctx context.Context, kind identity.Kind, id string) {
	if sw.previously[id] == identity.StatusAvailable {
		return
	}
	if err := sw.store.UpdateStatus(ctx, kind, id, identity.StatusAvailable); err != nil {
		sw.log.Error().Err(err).Str("id", id).Msg("failed to mark available")
		return
	}
	if kind == identity.KindProxy {
		if err := sw.store.ClearUnavailable(ctx, id); err != nil {
			sw.log.Warn().Err(err).Str("id", id).Msg("failed to clear unavailable bookkeeping")
		}
	}
	sw.previously[id] = identity.StatusAvailable
}

func (sw *Sweeper) setUnavailable(ctx context.Context, kind identity.Kind, id string) {
	if sw.previously[id] == identity.StatusUnavailable {
		return
	}
	if err := sw.store.UpdateStatus(ctx, kind, id, identity.StatusUnavailable); err != nil {
		sw.log.Error().Err(err).Str("id", id).Msg("failed to mark unavailable")
		return
	}
	if kind == identity.KindProxy {
		// §4.4/§6's registry:proxies:unavailable:<id> bookkeeping key is
		// proxy-only — servers carry UNAVAILABLE purely in their status
		// field, matching the key layout's key set.
		if err := sw.store.MarkUnavailable(ctx, id, sw.now().UnixMilli()); err != nil {
			sw.log.Error().Err(err).Str("id", id).Msg("failed to record proxy unavailable bookkeeping")
			return
		}
	}
	sw.log.Warn().Str("id", id).Str("kind", string(kind)).Msg("identity became unavailable")
	sw.previously[id] = identity.StatusUnavailable
}

func (sw *Sweeper) setDead(ctx context.Context, kind identity.Kind, id string, nowMs int64) {
	if sw.previously[id] == identity.StatusDead {
		return
	}

	var ident identity.Identity
	var server *identity.ServerRecord

	if kind == identity.KindGame {
		rec, err := sw.store.LoadServer(ctx, id)
		if err != nil {
			sw.log.Error().Err(err).Str("id", id).Msg("failed to load server before snapshot")
			return
		}
		ident = rec.Identity
		server = &rec
	} else {
		rec, err := sw.store.LoadProxy(ctx, id)
		if err != nil {
			sw.log.Error().Err(err).Str("id", id).Msg("failed to load proxy before snapshot")
			return
		}
		ident = rec.Identity
	}

	ident.Status = identity.StatusDead

	if err := sw.store.StoreDeadSnapshot(ctx, kind, ident, server, nowMs); err != nil {
		sw.log.Error().Err(err).Str("id", id).Msg("failed to store dead snapshot")
		return
	}

	sw.log.Warn().Str("id", id).Str("kind", string(kind)).Msg("identity went dead")
	// StoreDeadSnapshot already removed id from the heartbeat sorted
	// set, so it won't appear in the next tick's scores at all; drop
	// our bookkeeping entry so a later reclaim starts with a clean slate.
	delete(sw.previously, id)

	if sw.bus == nil {
		return
	}
	eventType := "server.deregistered"
	if kind == identity.KindProxy {
		eventType = "proxy.dead"
	}
	if err := sw.bus.Broadcast(eventType, map[string]string{"id": id}); err != nil {
		sw.log.Warn().Err(err).Str("id", id).Msg("failed to publish dead notification")
	}
}
