package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

func newStore(t *testing.T) *registry.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return registry.New(rdb, "", zerolog.Nop())
}

func TestRegisterAssignsFreshID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{
		TempID:  "temp-1",
		Address: "10.0.0.2",
		Port:    25565,
		Kind:    identity.KindGame,
		Role:    "lobby",
	}, "uuid-1")
	require.NoError(t, err)
	require.Equal(t, "game-1", result.ID)
	require.False(t, result.Reclaimed)

	server, err := store.LoadServer(ctx, result.ID)
	require.NoError(t, err)
	require.Equal(t, identity.StateRegistered, server.RegistrationState)
	require.Equal(t, identity.StatusAvailable, server.Status)
}

func TestHeartbeatIgnoresRegression(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindGame}, "uuid-1")
	require.NoError(t, err)

	// Register stamps LastHeartbeatMs with the current time, so both
	// heartbeats are placed after it.
	first := time.Now().UnixMilli() + 1000
	require.NoError(t, store.Heartbeat(ctx, identity.KindGame, result.ID, first, registry.HeartbeatMetrics{PlayerCount: 5}))
	require.NoError(t, store.Heartbeat(ctx, identity.KindGame, result.ID, first-500, registry.HeartbeatMetrics{PlayerCount: 99}))

	server, err := store.LoadServer(ctx, result.ID)
	require.NoError(t, err)
	require.Equal(t, first, server.LastHeartbeatMs)
	require.Equal(t, 5, server.PlayerCount, "regressed heartbeat must not overwrite metrics")
}

func TestStoreDeadSnapshotAndReclaim(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{
		TempID: "t", Address: "10.0.0.2", Port: 1, Kind: identity.KindGame, Role: "lobby",
	}, "uuid-1")
	require.NoError(t, err)

	server, err := store.LoadServer(ctx, result.ID)
	require.NoError(t, err)

	require.NoError(t, store.StoreDeadSnapshot(ctx, identity.KindGame, server.Identity, &server, 2000))

	_, err = store.LoadServer(ctx, result.ID)
	require.ErrorIs(t, err, registry.ErrNotFound, "dead identity must leave the active key")

	ids, err := store.DeadIDs(ctx, identity.KindGame)
	require.NoError(t, err)
	require.Contains(t, ids, result.ID)

	reclaimResult, err := store.Register(ctx, registry.RegistrationRequest{
		TempID: "t2", Address: "10.0.0.3", Port: 2, Kind: identity.KindGame, Role: "lobby",
	}, "uuid-1")
	require.NoError(t, err)
	require.Equal(t, result.ID, reclaimResult.ID)
	require.True(t, reclaimResult.Reclaimed)

	ids, err = store.DeadIDs(ctx, identity.KindGame)
	require.NoError(t, err)
	require.NotContains(t, ids, result.ID, "reclaim must clear dead bookkeeping")
}

func TestSnapshotTTLExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := registry.New(rdb, "", zerolog.Nop())
	ctx := context.Background()

	ident := identity.Identity{ID: "game-1", InstanceUUID: "u1", Kind: identity.KindGame}
	require.NoError(t, store.StoreDeadSnapshot(ctx, identity.KindGame, ident, nil, 0))

	_, err := store.LoadDeadSnapshot(ctx, identity.KindGame, "game-1")
	require.NoError(t, err)

	mr.FastForward(registry.SnapshotTTL + time.Second)

	_, err = store.LoadDeadSnapshot(ctx, identity.KindGame, "game-1")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAdvertiseFamiliesPersistsAndUpdatesIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := registry.New(rdb, "", zerolog.Nop())
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindGame}, "uuid-1")
	require.NoError(t, err)

	require.NoError(t, store.AdvertiseFamilies(ctx, result.ID, []identity.SlotFamilyDescriptor{
		{FamilyID: "bedwars", VariantID: "solo", MaxPlayers: 8},
	}))

	server, err := store.LoadServer(ctx, result.ID)
	require.NoError(t, err)
	require.Equal(t, "bedwars", server.Families[0].FamilyID)

	members, err := rdb.SMembers(ctx, "registry:servers:index:bedwars").Result()
	require.NoError(t, err)
	require.Contains(t, members, result.ID)

	// re-advertising a disjoint family set must drop the old index entry
	require.NoError(t, store.AdvertiseFamilies(ctx, result.ID, []identity.SlotFamilyDescriptor{
		{FamilyID: "skywars", MaxPlayers: 12},
	}))

	members, err = rdb.SMembers(ctx, "registry:servers:index:bedwars").Result()
	require.NoError(t, err)
	require.NotContains(t, members, result.ID, "dropped family must be removed from its index set")

	members, err = rdb.SMembers(ctx, "registry:servers:index:skywars").Result()
	require.NoError(t, err)
	require.Contains(t, members, result.ID)
}

func TestMarkUnavailableAndClearUnavailable(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindProxy}, "uuid-1")
	require.NoError(t, err)

	_, known, err := store.UnavailableSince(ctx, result.ID)
	require.NoError(t, err)
	require.False(t, known)

	require.NoError(t, store.MarkUnavailable(ctx, result.ID, 42))
	since, known, err := store.UnavailableSince(ctx, result.ID)
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, int64(42), since)

	require.NoError(t, store.ClearUnavailable(ctx, result.ID))
	_, known, err = store.UnavailableSince(ctx, result.ID)
	require.NoError(t, err)
	require.False(t, known)
}

func TestStoreDeadSnapshotClearsProxyUnavailableBookkeeping(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindProxy}, "uuid-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkUnavailable(ctx, result.ID, 42))

	proxy, err := store.LoadProxy(ctx, result.ID)
	require.NoError(t, err)
	require.NoError(t, store.StoreDeadSnapshot(ctx, identity.KindProxy, proxy.Identity, nil, 100))

	_, known, err := store.UnavailableSince(ctx, result.ID)
	require.NoError(t, err)
	require.False(t, known, "a proxy going DEAD must not leave a dangling unavailable bookkeeping key")
}

func TestUnregisterRemovesActiveAndHeartbeatEntry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, registry.RegistrationRequest{TempID: "t", Kind: identity.KindProxy}, "uuid-1")
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(ctx, identity.KindProxy, result.ID, time.Now().UnixMilli(), registry.HeartbeatMetrics{}))
	scores, err := store.HeartbeatScores(ctx, identity.KindProxy)
	require.NoError(t, err)
	require.Contains(t, scores, result.ID)

	require.NoError(t, store.Unregister(ctx, identity.KindProxy, result.ID))

	_, err = store.LoadProxy(ctx, result.ID)
	require.ErrorIs(t, err, registry.ErrNotFound)

	scores, err = store.HeartbeatScores(ctx, identity.KindProxy)
	require.NoError(t, err)
	require.NotContains(t, scores, result.ID)
}
