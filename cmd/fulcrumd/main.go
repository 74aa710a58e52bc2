// Command fulcrumd runs one Fleet Coordination Core process: either a
// central coordinator (sweeper + registry heartbeat ingest +
// family.advertise ingest + slot dispatcher) or a backend/proxy
// identity that registers and runs its control surface; a backend
// also emits heartbeats. The flag
// parsing and zerolog console-writer/signal-drain shutdown sequence
// are grounded on main.go's NewManager/Manager.Open/Manager.Close
// flow, generalized from a fixed Discord-shard-cluster loop into a
// single mode-selected identity process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/config"
	"github.com/fulcrum-net/fulcrum/internal/control"
	"github.com/fulcrum-net/fulcrum/internal/envelope"
	"github.com/fulcrum-net/fulcrum/internal/fsm"
	"github.com/fulcrum-net/fulcrum/internal/heartbeat"
	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
	"github.com/fulcrum-net/fulcrum/internal/slots"
	"github.com/fulcrum-net/fulcrum/internal/wire"
)

var zlog = newLogger()

// newLogger writes human-readable console output by default and
// switches to plain JSON when FULCRUM_ENV=production, so a daemon
// running behind a log collector doesn't pay the console writer's
// formatting cost.
func newLogger() zerolog.Logger {
	if os.Getenv("FULCRUM_ENV") == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.Stamp,
	}).With().Timestamp().Logger()
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	mode := flag.String("mode", "coordinator", "process role: coordinator, backend, or proxy")
	fs := flag.CommandLine
	flags := config.BindFlags(fs)
	flag.Parse()

	cfg, err := config.Load(*flags.ConfigPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	cfg = flags.Apply(cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})

	store := registry.New(rdb, cfg.Redis.Namespace, zlog)
	codec := envelope.NewCodec()
	wire.RegisterSchemas(codec)

	ctx, cancel := context.WithCancel(context.Background())

	switch *mode {
	case "coordinator":
		runCoordinator(ctx, rdb, store, codec, cfg)
	case "backend":
		runBackend(ctx, rdb, store, codec, cfg)
	case "proxy":
		runProxy(ctx, rdb, store, codec, cfg)
	default:
		zlog.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	zlog.Info().Msg("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
}

// runCoordinator starts the always-on fleet-wide services: heartbeat
// sweeper, registry ingest of inbound heartbeats, and the slot
// dispatcher responding to slot.request over the bus.
func runCoordinator(ctx context.Context, rdb *redis.Client, store *registry.Store, codec *envelope.Codec, cfg config.Config) {
	b := bus.New(rdb, codec, "coordinator", zlog)
	sweeperCfg := heartbeat.Config{
		Period:             cfg.Timeouts.HeartbeatPeriod,
		UnavailableTimeout: cfg.Timeouts.UnavailableTimeout,
		DeadTimeout:        cfg.Timeouts.DeadTimeout,
	}
	sw := heartbeat.New(store, b, sweeperCfg, zlog)
	go sw.Run(ctx)

	cache := slots.NewFamilyCache()
	dispatcher := slots.NewDispatcher(cache, store, zlog)

	if err := b.Subscribe(wire.TypeFamilyAdvertise, func(_ envelope.Envelope, payload interface{}) {
		adv, ok := payload.(*wire.FamilyAdvertise)
		if !ok {
			return
		}
		descs := make([]identity.SlotFamilyDescriptor, 0, len(adv.Descriptors))
		for _, d := range adv.Descriptors {
			descs = append(descs, identity.SlotFamilyDescriptor{
				FamilyID:               d.FamilyID,
				VariantID:              d.VariantID,
				MinPlayers:             d.MinPlayers,
				MaxPlayers:             d.MaxPlayers,
				PlayerEquivalentFactor: d.PlayerEquivalentFactor,
				Metadata:               d.Metadata,
			})
		}
		cache.Advertise(adv.ServerID, descs)
		if err := store.AdvertiseFamilies(ctx, adv.ServerID, descs); err != nil {
			zlog.Warn().Err(err).Str("id", adv.ServerID).Msg("failed to persist advertised families")
		}
	}); err != nil {
		zlog.Fatal().Err(err).Msg("failed to subscribe family.advertise")
	}

	if err := b.Subscribe(wire.TypeServerHeartbeat, func(_ envelope.Envelope, payload interface{}) {
		hb, ok := payload.(*wire.HeartbeatPayload)
		if !ok {
			return
		}
		metrics := registry.HeartbeatMetrics{PlayerCount: hb.PlayerCount, TPS: hb.TPS}
		if err := store.Heartbeat(ctx, identity.KindGame, hb.ServerID, identity.NowMs(time.Now()), metrics); err != nil {
			zlog.Warn().Err(err).Str("id", hb.ServerID).Msg("failed to ingest heartbeat")
		}
	}); err != nil {
		zlog.Fatal().Err(err).Msg("failed to subscribe server.heartbeat")
	}

	if err := b.Subscribe(wire.TypeSlotRequest, func(env envelope.Envelope, payload interface{}) {
		req, ok := payload.(*wire.SlotRequestPayload)
		if !ok {
			return
		}
		requestID := uuid.NewString()
		assignment, rejection := dispatcher.Dispatch(ctx, requestID, slots.Request{
			PlayerID:  req.PlayerID,
			FamilyID:  req.FamilyID,
			VariantID: req.VariantID,
			Metadata:  req.Metadata,
		})
		if rejection != nil {
			_ = b.Reply(env.Sender, wire.TypeSlotRejection, env.CorrelationID, wire.SlotRejectionPayload{
				RequestID: requestID,
				Reason:    string(rejection.Reason),
			})
			return
		}
		_ = b.Reply(env.Sender, wire.TypeSlotAssignment, env.CorrelationID, wire.SlotAssignmentPayload{
			RequestID: assignment.RequestID,
			ServerID:  assignment.ServerID,
			SlotID:    assignment.SlotID,
			Metadata:  assignment.Metadata,
		})
	}); err != nil {
		zlog.Fatal().Err(err).Msg("failed to subscribe slot.request")
	}

	// §4.6 trigger 2: seed the cache from registry-persisted family
	// descriptors once synchronously at boot, so a coordinator restart
	// doesn't leave slot.request empty-handed until every backend
	// happens to re-advertise on its own schedule.
	if servers, err := store.LoadAllServers(ctx); err != nil {
		zlog.Warn().Err(err).Msg("failed to seed family cache from registry at boot")
	} else {
		cache.RebuildFromRegistry(servers)
	}
	go reconcileFamilyCache(ctx, store, cache)

	zlog.Info().Msg("coordinator ready")
}

// reconcileFamilyCache periodically rebuilds the cache wholesale from
// registry-persisted family descriptors (§4.6 trigger 2), so a backend
// that dies without a clean server.deregistered message eventually
// drops out of slot.request candidacy and one that re-advertises after
// a coordinator restart doesn't wait on another bus message to count.
func reconcileFamilyCache(ctx context.Context, store *registry.Store, cache *slots.FamilyCache) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			servers, err := store.LoadAllServers(ctx)
			if err != nil {
				continue
			}
			cache.RebuildFromRegistry(servers)
		}
	}
}

// runBackend registers a GAME identity, drives its FSM through the
// REGISTER handshake, and emits heartbeats on cfg.Timeouts.HeartbeatPeriod.
func runBackend(ctx context.Context, rdb *redis.Client, store *registry.Store, codec *envelope.Codec, cfg config.Config) {
	tempID := "temp-" + uuid.NewString()
	b := bus.New(rdb, codec, tempID, zlog)
	instanceUUID := uuid.NewString()
	machine := fsm.New()
	machine.SetRegisteringTimeout(cfg.Timeouts.RegisteringTimeout)

	machine.TransitionTo(fsm.Registering, "startup", nil)

	result, err := store.Register(ctx, registry.RegistrationRequest{
		TempID:  tempID,
		Address: cfg.Identity.Address,
		Port:    cfg.Identity.Port,
		Kind:    identity.KindGame,
		Role:    cfg.Identity.Role,
		Version: cfg.Identity.Version,
	}, instanceUUID)
	if err != nil {
		machine.TransitionTo(fsm.Failed, "register failed", err)
		zlog.Fatal().Err(err).Msg("failed to register backend")
	}

	machine.TransitionTo(fsm.Registered, "registered", nil)
	if err := b.RefreshServerIdentity(result.ID); err != nil {
		zlog.Warn().Err(err).Msg("failed to refresh bus identity")
	}

	surface := control.NewSurface(result.ID, identity.KindGame, store, b, machine, zlog)
	if err := surface.Subscribe(); err != nil {
		zlog.Warn().Err(err).Msg("failed to subscribe control surface")
	}

	zlog.Info().Str("id", result.ID).Bool("reclaimed", result.Reclaimed).Msg("backend registered")

	go emitHeartbeats(ctx, b, store, result.ID, cfg)
}

func emitHeartbeats(ctx context.Context, b *bus.Bus, store *registry.Store, id string, cfg config.Config) {
	ticker := time.NewTicker(cfg.Timeouts.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := wire.HeartbeatPayload{
				ServerID:    id,
				ServerType:  string(identity.KindGame),
				MaxCapacity: cfg.Identity.MaxCapacity,
				Role:        cfg.Identity.Role,
				Status:      string(identity.StatusAvailable),
				TimestampMs: time.Now().UnixMilli(),
			}
			if err := b.Broadcast(wire.TypeServerHeartbeat, payload); err != nil {
				zlog.Warn().Err(err).Msg("failed to broadcast heartbeat")
			}
		}
	}
}

// runProxy registers a PROXY identity; it does not own slots and
// issues slot.request via the bus's request/response primitive on
// behalf of connecting players (left to the collaborator layer to
// call bus.Request(ctx, "coordinator", wire.TypeSlotRequest, ...)).
func runProxy(ctx context.Context, rdb *redis.Client, store *registry.Store, codec *envelope.Codec, cfg config.Config) {
	tempID := "temp-" + uuid.NewString()
	b := bus.New(rdb, codec, tempID, zlog)
	instanceUUID := uuid.NewString()
	machine := fsm.New()
	machine.SetRegisteringTimeout(cfg.Timeouts.RegisteringTimeout)

	machine.TransitionTo(fsm.Registering, "startup", nil)

	result, err := store.Register(ctx, registry.RegistrationRequest{
		TempID:  tempID,
		Address: cfg.Identity.Address,
		Port:    cfg.Identity.Port,
		Kind:    identity.KindProxy,
		Role:    cfg.Identity.Role,
		Version: cfg.Identity.Version,
	}, instanceUUID)
	if err != nil {
		machine.TransitionTo(fsm.Failed, "register failed", err)
		zlog.Fatal().Err(err).Msg("failed to register proxy")
	}

	machine.TransitionTo(fsm.Registered, "registered", nil)
	if err := b.RefreshServerIdentity(result.ID); err != nil {
		zlog.Warn().Err(err).Msg("failed to refresh bus identity")
	}

	surface := control.NewSurface(result.ID, identity.KindProxy, store, b, machine, zlog)
	if err := surface.Subscribe(); err != nil {
		zlog.Warn().Err(err).Msg("failed to subscribe control surface")
	}

	zlog.Info().Str("id", result.ID).Bool("reclaimed", result.Reclaimed).Msg("proxy registered")
}
