// Package registry implements the Redis-backed registry store (§4.4):
// single-writer-per-identity CRUD for servers, proxies, slots,
// heartbeats and dead snapshots. Each document is a JSON string under
// its own key (SET/GET) and bulk listings walk keys with a plain SCAN
// iterator; this adapts the teacher's state.go (GuildAdd/Guild using
// redis.HSet/HGet against JSON-encoded blobs) and gateway/state.go's
// RediScripts.ClearKeys (SCAN+DEL via EVAL).
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/identity"
)

// SnapshotTTL is the default TTL for dead-identity snapshots (§3
// invariant 4, §6).
const SnapshotTTL = 60 * time.Second

// ErrReclaimDenied names the reclaim-denied error kind. Register does
// not return it: an instanceUUID that matches no reclaimable entry is
// simply assigned a fresh id.
var ErrReclaimDenied = errors.New("registry: reclaim denied")

// ErrNotFound is returned by per-id reads when no document exists.
var ErrNotFound = errors.New("registry: not found")

// Store is the registry's single entry point. Each identity has
// exactly one logical writer — the node owning that identity's FSM —
// other nodes must only call the read methods (Load*).
type Store struct {
	rdb *redis.Client
	kx  keyspace
	log zerolog.Logger
}

// New creates a Store. namespace may be empty for the bit-exact
// default key layout.
func New(rdb *redis.Client, namespace string, log zerolog.Logger) *Store {
	return &Store{
		rdb: rdb,
		kx:  keyspace{namespace: namespace},
		log: log.With().Str("component", "registry").Logger(),
	}
}

// RegistrationRequest is the caller-supplied half of a register() call.
type RegistrationRequest struct {
	TempID  string
	Address string
	Port    int
	Kind    identity.Kind
	Role    string
	Version string
}

// RegistrationResult is returned by Register.
type RegistrationResult struct {
	ID       string
	Reclaimed bool
}

// Register assigns a fresh id, or reclaims an existing one if
// instanceUUID matches an entry still visible in the dead or
// unavailable sets within the reclaim window (§4.4).
func (s *Store) Register(ctx context.Context, req RegistrationRequest, instanceUUID string) (RegistrationResult, error) {
	if reclaimedID, ok, err := s.tryReclaim(ctx, req, instanceUUID); err != nil {
		return RegistrationResult{}, err
	} else if ok {
		return RegistrationResult{ID: reclaimedID, Reclaimed: true}, nil
	}

	id, err := s.nextID(ctx, req.Kind)
	if err != nil {
		return RegistrationResult{}, err
	}

	now := time.Now().UnixMilli()
	ident := identity.Identity{
		ID:                id,
		TempID:            req.TempID,
		InstanceUUID:      instanceUUID,
		Address:           req.Address,
		Port:              req.Port,
		Kind:              req.Kind,
		Role:              req.Role,
		RegistrationState: identity.StateRegistered,
		Status:            identity.StatusAvailable,
		LastHeartbeatMs:   now,
		Version:           req.Version,
	}

	if err := s.writeNewIdentity(ctx, ident); err != nil {
		return RegistrationResult{}, err
	}

	return RegistrationResult{ID: id, Reclaimed: false}, nil
}

func (s *Store) nextID(ctx context.Context, kind identity.Kind) (string, error) {
	counterKey := s.kx.root("counters", string(kind))
	n, err := s.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return "", fmt.Errorf("registry: allocate id: %w", err)
	}
	if kind == identity.KindProxy {
		return fmtProxyID(n), nil
	}
	return fmtID(n), nil
}

func (s *Store) writeNewIdentity(ctx context.Context, ident identity.Identity) error {
	if ident.Kind == identity.KindGame {
		server := identity.ServerRecord{Identity: ident, Slots: map[string]identity.SlotRecord{}}
		return s.saveServer(ctx, server)
	}
	proxy := identity.ProxyRecord{Identity: ident}
	return s.saveProxy(ctx, proxy)
}

// tryReclaim scans the dead and unavailable sets for an entry whose
// instanceUUID matches. On success it restores the entry to the
// active set, clears the dead/unavailable bookkeeping, and returns the
// reclaimed id.
func (s *Store) tryReclaim(ctx context.Context, req RegistrationRequest, instanceUUID string) (string, bool, error) {
	if req.Kind == identity.KindGame {
		return s.tryReclaimServer(ctx, req, instanceUUID)
	}
	return s.tryReclaimProxy(ctx, req, instanceUUID)
}

func (s *Store) tryReclaimServer(ctx context.Context, req RegistrationRequest, instanceUUID string) (string, bool, error) {
	ids, err := s.rdb.ZRange(ctx, s.kx.deadServers(), 0, -1).Result()
	if err != nil {
		return "", false, fmt.Errorf("registry: scan dead servers: %w", err)
	}

	for _, id := range ids {
		snap, err := s.loadDeadSnapshot(ctx, "server", id)
		if err != nil {
			continue
		}
		if snap.Identity.InstanceUUID != instanceUUID {
			continue
		}

		server := identity.ServerRecord{Identity: snap.Identity, Slots: map[string]identity.SlotRecord{}}
		if snap.Server != nil {
			server = *snap.Server
		}
		server.Address = req.Address
		server.Port = req.Port
		server.Role = req.Role
		server.Version = req.Version
		server.RegistrationState = identity.StateRegistered
		server.Status = identity.StatusAvailable
		server.LastHeartbeatMs = time.Now().UnixMilli()

		if err := s.saveServer(ctx, server); err != nil {
			return "", false, err
		}
		if err := s.clearDead(ctx, "server", id, s.kx.deadServers()); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("failed to clear dead bookkeeping after reclaim")
		}
		return id, true, nil
	}
	return "", false, nil
}

func (s *Store) tryReclaimProxy(ctx context.Context, req RegistrationRequest, instanceUUID string) (string, bool, error) {
	// Check the unavailable set first (still technically "active" but
	// flagged), then the dead set.
	unavailIDs, err := s.rdb.Keys(ctx, s.kx.proxyUnavailable("*")).Result()
	if err == nil {
		for _, key := range unavailIDs {
			raw, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var entry unavailableProxyEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			if entry.Proxy.InstanceUUID != instanceUUID {
				continue
			}
			entry.Proxy.Address = req.Address
			entry.Proxy.Port = req.Port
			entry.Proxy.Role = req.Role
			entry.Proxy.Version = req.Version
			entry.Proxy.RegistrationState = identity.StateRegistered
			entry.Proxy.Status = identity.StatusAvailable
			entry.Proxy.LastHeartbeatMs = time.Now().UnixMilli()

			if err := s.saveProxy(ctx, identity.ProxyRecord{Identity: entry.Proxy}); err != nil {
				return "", false, err
			}
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("failed to remove unavailable proxy bookkeeping")
			}
			return entry.Proxy.ID, true, nil
		}
	}

	ids, err := s.rdb.ZRange(ctx, s.kx.deadProxies(), 0, -1).Result()
	if err != nil {
		return "", false, fmt.Errorf("registry: scan dead proxies: %w", err)
	}
	for _, id := range ids {
		snap, err := s.loadDeadSnapshot(ctx, "proxy", id)
		if err != nil {
			continue
		}
		if snap.Identity.InstanceUUID != instanceUUID {
			continue
		}

		ident := snap.Identity
		ident.Address = req.Address
		ident.Port = req.Port
		ident.Role = req.Role
		ident.Version = req.Version
		ident.RegistrationState = identity.StateRegistered
		ident.Status = identity.StatusAvailable
		ident.LastHeartbeatMs = time.Now().UnixMilli()

		if err := s.saveProxy(ctx, identity.ProxyRecord{Identity: ident}); err != nil {
			return "", false, err
		}
		if err := s.clearDead(ctx, "proxy", id, s.kx.deadProxies()); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("failed to clear dead bookkeeping after reclaim")
		}
		return id, true, nil
	}
	return "", false, nil
}

type unavailableProxyEntry struct {
	Proxy            identity.Identity `json:"proxy"`
	UnavailableSince int64             `json:"unavailableSince"`
}

// saveServer writes the server document and refreshes its role
// secondary index (§4.4's registry:servers:index:<role|family> key).
// The family half of that index is refreshed separately by
// AdvertiseFamilies, since family descriptors change on a different
// event (family.advertise) than the rest of the document and need
// their own add/remove diff against the server's previous families.
func (s *Store) saveServer(ctx context.Context, server identity.ServerRecord) error {
	data, err := json.Marshal(server)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.kx.serverDoc(server.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("registry: save server %s: %w", server.ID, err)
	}
	if server.Role != "" {
		s.rdb.SAdd(ctx, s.kx.serverIndex(server.Role), server.ID)
	}
	return nil
}

// AdvertiseFamilies persists id's currently-advertised family
// descriptors onto its document and refreshes the shared
// registry:servers:index:<role|family> secondary index, removing
// index membership for families id no longer advertises (§4.6
// trigger 1/2: this is the registry-backed source of truth
// FamilyCache.RebuildFromRegistry reads at boot/reconciliation).
func (s *Store) AdvertiseFamilies(ctx context.Context, id string, descs []identity.SlotFamilyDescriptor) error {
	server, err := s.LoadServer(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, prev := range server.Families {
		pipe.SRem(ctx, s.kx.serverIndex(prev.FamilyID), id)
	}
	for _, d := range descs {
		pipe.SAdd(ctx, s.kx.serverIndex(d.FamilyID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: update family index for %s: %w", id, err)
	}

	server.Families = descs
	return s.saveServer(ctx, server)
}

func (s *Store) saveProxy(ctx context.Context, proxy identity.ProxyRecord) error {
	data, err := json.Marshal(proxy)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.kx.proxyActive(proxy.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("registry: save proxy %s: %w", proxy.ID, err)
	}
	return nil
}

// LoadServer reads a single active server document.
func (s *Store) LoadServer(ctx context.Context, id string) (identity.ServerRecord, error) {
	raw, err := s.rdb.Get(ctx, s.kx.serverDoc(id)).Result()
	if errors.Is(err, redis.Nil) {
		return identity.ServerRecord{}, ErrNotFound
	}
	if err != nil {
		return identity.ServerRecord{}, err
	}
	var server identity.ServerRecord
	if err := json.Unmarshal([]byte(raw), &server); err != nil {
		return identity.ServerRecord{}, err
	}
	return server, nil
}

// LoadProxy reads a single active proxy document.
func (s *Store) LoadProxy(ctx context.Context, id string) (identity.ProxyRecord, error) {
	raw, err := s.rdb.Get(ctx, s.kx.proxyActive(id)).Result()
	if errors.Is(err, redis.Nil) {
		return identity.ProxyRecord{}, ErrNotFound
	}
	if err != nil {
		return identity.ProxyRecord{}, err
	}
	var proxy identity.ProxyRecord
	if err := json.Unmarshal([]byte(raw), &proxy); err != nil {
		return identity.ProxyRecord{}, err
	}
	return proxy, nil
}

// LoadAllServers returns every active server document. Inspector and
// sweeper reads are lock-free (§4.4 writer discipline).
func (s *Store) LoadAllServers(ctx context.Context) ([]identity.ServerRecord, error) {
	keys, err := s.scanKeys(ctx, s.kx.serverDoc("*"))
	if err != nil {
		return nil, err
	}
	out := make([]identity.ServerRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var server identity.ServerRecord
		if err := json.Unmarshal([]byte(raw), &server); err != nil {
			continue
		}
		out = append(out, server)
	}
	return out, nil
}

// LoadAllProxies returns every active proxy document.
func (s *Store) LoadAllProxies(ctx context.Context) ([]identity.ProxyRecord, error) {
	keys, err := s.scanKeys(ctx, s.kx.proxyActive("*"))
	if err != nil {
		return nil, err
	}
	out := make([]identity.ProxyRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var proxy identity.ProxyRecord
		if err := json.Unmarshal([]byte(raw), &proxy); err != nil {
			continue
		}
		out = append(out, proxy)
	}
	return out, nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// UpdateStatus sets an identity's status without touching its
// heartbeat timestamp (used by the control surface for e.g. EVACUATING).
func (s *Store) UpdateStatus(ctx context.Context, kind identity.Kind, id string, status identity.Status) error {
	if kind == identity.KindGame {
		server, err := s.LoadServer(ctx, id)
		if err != nil {
			return err
		}
		server.Status = status
		return s.saveServer(ctx, server)
	}
	proxy, err := s.LoadProxy(ctx, id)
	if err != nil {
		return err
	}
	proxy.Status = status
	return s.saveProxy(ctx, proxy)
}

// HeartbeatMetrics carries the mutable fields a heartbeat refreshes.
type HeartbeatMetrics struct {
	PlayerCount int
	TPS         float64
	MemoryUsage float64
	CPUUsage    float64
}

// Heartbeat restores AVAILABLE status, updates metrics, and bumps the
// heartbeat sorted set using receive time (recvMs), never the sender's
// own timestamp (§6). Returns ErrNotFound for an unknown identity so
// the caller can log-and-discard per §4.5.
func (s *Store) Heartbeat(ctx context.Context, kind identity.Kind, id string, recvMs int64, metrics HeartbeatMetrics) error {
	if kind == identity.KindGame {
		server, err := s.LoadServer(ctx, id)
		if err != nil {
			return err
		}
		if recvMs < server.LastHeartbeatMs {
			// §3 invariant 3: regressions are ignored.
			return nil
		}
		server.LastHeartbeatMs = recvMs
		server.Status = identity.StatusAvailable
		server.PlayerCount = metrics.PlayerCount
		server.TPS = metrics.TPS
		server.MemoryUsage = metrics.MemoryUsage
		server.CPUUsage = metrics.CPUUsage
		if err := s.saveServer(ctx, server); err != nil {
			return err
		}
		return s.rdb.ZAdd(ctx, s.kx.heartbeatServers(), &redis.Z{Score: float64(recvMs), Member: id}).Err()
	}

	proxy, err := s.LoadProxy(ctx, id)
	if err != nil {
		return err
	}
	if recvMs < proxy.LastHeartbeatMs {
		return nil
	}
	proxy.LastHeartbeatMs = recvMs
	proxy.Status = identity.StatusAvailable
	if err := s.saveProxy(ctx, proxy); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.kx.heartbeatProxies(), &redis.Z{Score: float64(recvMs), Member: id}).Err()
}

// Unregister removes an identity from the active set entirely (the
// DEREGISTERING -> UNREGISTERED path of §4.3).
func (s *Store) Unregister(ctx context.Context, kind identity.Kind, id string) error {
	if kind == identity.KindGame {
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, s.kx.serverDoc(id))
		pipe.ZRem(ctx, s.kx.heartbeatServers(), id)
		_, err := pipe.Exec(ctx)
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.kx.proxyActive(id))
	pipe.ZRem(ctx, s.kx.heartbeatProxies(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkUnavailable writes a copy of a proxy, with its unavailable-since
// time, to the unavailable bookkeeping key; the active document stays
// in place and is not modified (servers have no separate "unavailable" key — their
// status field alone carries UNAVAILABLE, per §4.4's key layout only
// listing registry:proxies:unavailable:<id>).
func (s *Store) MarkUnavailable(ctx context.Context, id string, since int64) error {
	proxy, err := s.LoadProxy(ctx, id)
	if err != nil {
		return err
	}
	proxy.Status = identity.StatusUnavailable
	entry := unavailableProxyEntry{Proxy: proxy.Identity, UnavailableSince: since}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.kx.proxyUnavailable(id), data, 0).Err()
}

// UnavailableSince returns the bookkeeping timestamp for a proxy
// currently parked in the unavailable key, or false if id has no such
// entry (never went unavailable, already recovered, or already went
// DEAD — StoreDeadSnapshot clears this key on that transition).
func (s *Store) UnavailableSince(ctx context.Context, id string) (int64, bool, error) {
	raw, err := s.rdb.Get(ctx, s.kx.proxyUnavailable(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var entry unavailableProxyEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return 0, false, err
	}
	return entry.UnavailableSince, true, nil
}

// ClearUnavailable removes the unavailable bookkeeping entry for a
// proxy that has recovered (a heartbeat arrived again before it went
// DEAD). A no-op if no such entry exists.
func (s *Store) ClearUnavailable(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.kx.proxyUnavailable(id)).Err()
}

// StoreDeadSnapshot writes a TTL'd snapshot for a now-DEAD identity,
// removes it from its active key, and adds it to the dead sorted set
// scored by deadSinceMs (§3 invariant 4, §4.5).
func (s *Store) StoreDeadSnapshot(ctx context.Context, kind identity.Kind, ident identity.Identity, server *identity.ServerRecord, deadSinceMs int64) error {
	snap := identity.DeadSnapshot{
		Identity:     ident,
		Server:       server,
		DeadSinceMs:  deadSinceMs,
		CapturedAtMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	kindLabel, deadSet, activeDel, hbSet := s.kindTables(kind, ident.ID)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.kx.deadSnapshot(kindLabel, ident.ID), data, SnapshotTTL)
	pipe.ZAdd(ctx, deadSet, &redis.Z{Score: float64(deadSinceMs), Member: ident.ID})
	pipe.Del(ctx, activeDel)
	pipe.ZRem(ctx, hbSet, ident.ID)
	if kind == identity.KindProxy {
		// A proxy can only be UNAVAILABLE or DEAD, never both — drop the
		// unavailable bookkeeping entry so it doesn't outlive the dead
		// snapshot (the unavailable key carries no TTL of its own).
		pipe.Del(ctx, s.kx.proxyUnavailable(ident.ID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) kindTables(kind identity.Kind, id string) (label, deadSet, activeKey, hbSet string) {
	if kind == identity.KindGame {
		return "server", s.kx.deadServers(), s.kx.serverDoc(id), s.kx.heartbeatServers()
	}
	return "proxy", s.kx.deadProxies(), s.kx.proxyActive(id), s.kx.heartbeatProxies()
}

// ClearDead removes both the dead sorted-set entry and the snapshot
// key for id, e.g. after a successful reclaim (§4.4).
func (s *Store) ClearDead(ctx context.Context, kind identity.Kind, id string) error {
	label := "server"
	set := s.kx.deadServers()
	if kind == identity.KindProxy {
		label = "proxy"
		set = s.kx.deadProxies()
	}
	return s.clearDead(ctx, label, id, set)
}

func (s *Store) clearDead(ctx context.Context, label, id, deadSet string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, deadSet, id)
	pipe.Del(ctx, s.kx.deadSnapshot(label, id))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadIDs returns every id currently in the dead set for kind.
func (s *Store) DeadIDs(ctx context.Context, kind identity.Kind) ([]string, error) {
	set := s.kx.deadServers()
	if kind == identity.KindProxy {
		set = s.kx.deadProxies()
	}
	return s.rdb.ZRange(ctx, set, 0, -1).Result()
}

// DeadSince returns the score (deadSinceMs) for id in kind's dead set.
func (s *Store) DeadSince(ctx context.Context, kind identity.Kind, id string) (int64, bool, error) {
	set := s.kx.deadServers()
	if kind == identity.KindProxy {
		set = s.kx.deadProxies()
	}
	score, err := s.rdb.ZScore(ctx, set, id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int64(score), true, nil
}

func (s *Store) loadDeadSnapshot(ctx context.Context, kind, id string) (identity.DeadSnapshot, error) {
	raw, err := s.rdb.Get(ctx, s.kx.deadSnapshot(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return identity.DeadSnapshot{}, ErrNotFound
	}
	if err != nil {
		return identity.DeadSnapshot{}, err
	}
	var snap identity.DeadSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return identity.DeadSnapshot{}, err
	}
	return snap, nil
}

// LoadDeadSnapshot exposes loadDeadSnapshot to the inspector, which
// must tolerate a missing snapshot by substituting a placeholder
// (§4.7) — callers check for ErrNotFound.
func (s *Store) LoadDeadSnapshot(ctx context.Context, kind identity.Kind, id string) (identity.DeadSnapshot, error) {
	label := "server"
	if kind == identity.KindProxy {
		label = "proxy"
	}
	return s.loadDeadSnapshot(ctx, label, id)
}

// HeartbeatScores returns the full heartbeat sorted set for kind, id ->
// last-seen millis, used by the sweeper.
func (s *Store) HeartbeatScores(ctx context.Context, kind identity.Kind) (map[string]int64, error) {
	set := s.kx.heartbeatServers()
	if kind == identity.KindProxy {
		set = s.kx.heartbeatProxies()
	}
	results, err := s.rdb.ZRangeWithScores(ctx, set, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(results))
	for _, z := range results {
		if member, ok := z.Member.(string); ok {
			out[member] = int64(z.Score)
		}
	}
	return out, nil
}

// SaveServer exposes server persistence to callers outside this
// package that own a server's write lock (the slots dispatcher
// mutating a slot's status belongs to the identity's owning node).
func (s *Store) SaveServer(ctx context.Context, server identity.ServerRecord) error {
	return s.saveServer(ctx, server)
}

// SaveProxy exposes proxy persistence the same way.
func (s *Store) SaveProxy(ctx context.Context, proxy identity.ProxyRecord) error {
	return s.saveProxy(ctx, proxy)
}
