package control_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/control"
	"github.com/fulcrum-net/fulcrum/internal/fsm"
	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

func newStore(t *testing.T) *registry.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return registry.New(rdb, "", zerolog.Nop())
}

func TestRunShutdownFlipsEvacuatingThenUnregisters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindGame}, "u1")
	require.NoError(t, err)

	machine := fsm.New()
	machine.TransitionTo(fsm.Registering, "join", nil)
	machine.TransitionTo(fsm.Registered, "ok", nil)

	surface := control.NewSurface(result.ID, identity.KindGame, store, nil, machine, zerolog.Nop())
	var countdownStatus identity.Status
	surface.SetSleepForTest(func(time.Duration) {
		if server, err := store.LoadServer(ctx, result.ID); err == nil {
			countdownStatus = server.Status
		}
	})

	err = surface.RunShutdown(ctx, control.ShutdownCommand{Target: result.ID, DelaySeconds: 2, Reason: "maintenance"})
	require.NoError(t, err)

	require.Equal(t, identity.StatusEvacuating, countdownStatus, "status must be EVACUATING during the countdown")
	require.Equal(t, fsm.Unregistered, machine.State())

	_, err = store.LoadServer(ctx, result.ID)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRunShutdownRejectsFromWrongState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindGame}, "u1")
	require.NoError(t, err)

	machine := fsm.New() // still UNREGISTERED, shutdown shouldn't be able to deregister
	surface := control.NewSurface(result.ID, identity.KindGame, store, nil, machine, zerolog.Nop())
	surface.SetSleepForTest(func(time.Duration) {})

	err = surface.RunShutdown(ctx, control.ShutdownCommand{Target: result.ID, DelaySeconds: 0})
	require.Error(t, err)
}
