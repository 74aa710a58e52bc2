// dispatcher.go implements the slot-request dispatch algorithm (§4.6):
// lookup -> filter -> variant restriction -> capacity scan -> tie-break
// -> mutate -> emit, with a per-player cooldown and bounded retry on
// transient ownership races.
package slots

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

// RejectReason enumerates dispatcher rejection kinds (§7).
type RejectReason string

const (
	ReasonNoBackendForFamily  RejectReason = "NO_BACKEND_FOR_FAMILY"
	ReasonNoBackendForVariant RejectReason = "NO_BACKEND_FOR_VARIANT"
	ReasonNoCapacity          RejectReason = "NO_CAPACITY"
	ReasonPlayerCooldown      RejectReason = "PLAYER_COOLDOWN"
	ReasonTransientFailure    RejectReason = "TRANSIENT_FAILURE"
)

// RejectionError carries a RejectReason for callers that want typed
// error handling in addition to the emitted slot.rejection message.
type RejectionError struct {
	Reason RejectReason
}

func (e *RejectionError) Error() string { return string(e.Reason) }

// Request is a decoded slot.request (§4.6).
type Request struct {
	PlayerID  string
	FamilyID  string
	VariantID string
	Metadata  map[string]string
}

// Assignment is the successful dispatch result (slot.assignment).
type Assignment struct {
	RequestID string
	ServerID  string
	SlotID    string
	Metadata  map[string]string
}

const defaultCooldown = 5 * time.Second
const maxTransientRetries = 3

// Dispatcher turns slot requests into assignments or rejections.
type Dispatcher struct {
	cache *FamilyCache
	store *registry.Store
	log   zerolog.Logger

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time
	cooldownD  time.Duration

	now func() time.Time
}

// NewDispatcher creates a Dispatcher over cache and store.
func NewDispatcher(cache *FamilyCache, store *registry.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cache:     cache,
		store:     store,
		log:       log.With().Str("component", "dispatcher").Logger(),
		cooldown:  make(map[string]time.Time),
		cooldownD: defaultCooldown,
	}
}

// Dispatch runs the algorithm in §4.6 end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, req Request) (Assignment, *RejectionError) {
	if d.inCooldown(req.PlayerID) {
		return Assignment{}, &RejectionError{Reason: ReasonPlayerCooldown}
	}

	var lastErr *RejectionError
	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		assignment, rejection := d.attempt(ctx, requestID, req)
		if rejection == nil {
			d.markCooldown(req.PlayerID)
			return assignment, nil
		}
		if rejection.Reason != ReasonTransientFailure {
			return Assignment{}, rejection
		}
		lastErr = rejection
	}
	if lastErr == nil {
		lastErr = &RejectionError{Reason: ReasonTransientFailure}
	}
	return Assignment{}, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, requestID string, req Request) (Assignment, *RejectionError) {
	candidateIDs, known := d.cache.Candidates(req.FamilyID, "")
	if !known {
		return Assignment{}, &RejectionError{Reason: ReasonNoBackendForFamily}
	}

	restrictedIDs, variantKnown := d.cache.Candidates(req.FamilyID, req.VariantID)
	if req.VariantID != "" {
		if !variantKnown || len(restrictedIDs) == 0 {
			return Assignment{}, &RejectionError{Reason: ReasonNoBackendForVariant}
		}
		candidateIDs = restrictedIDs
	}

	eligible := d.loadEligibleServers(ctx, candidateIDs)
	if len(eligible) == 0 {
		return Assignment{}, &RejectionError{Reason: ReasonNoBackendForFamily}
	}

	descriptor, _ := d.cache.Descriptor(req.FamilyID, req.VariantID)

	chosen, slotSuffix, ok := d.pickSlot(eligible, descriptor)
	if !ok {
		return Assignment{}, &RejectionError{Reason: ReasonNoCapacity}
	}

	// Re-verify the chosen server is still REGISTERED immediately before
	// mutating (§4.6's retry-from-step-2 contract covers the window
	// between picking and writing).
	server, err := d.store.LoadServer(ctx, chosen.ID)
	if err != nil {
		return Assignment{}, &RejectionError{Reason: ReasonTransientFailure}
	}
	if !server.IsActive() {
		return Assignment{}, &RejectionError{Reason: ReasonTransientFailure}
	}

	slot, ok := server.Slots[slotSuffix]
	if !ok || !slot.HasCapacity() {
		return Assignment{}, &RejectionError{Reason: ReasonTransientFailure}
	}

	slot.OnlinePlayers++
	if slot.OnlinePlayers >= slot.MaxPlayers {
		slot.Status = identity.StatusFull
	}
	if slot.Metadata == nil {
		slot.Metadata = make(map[string]string)
	}
	slot.Metadata["reservedFor"] = req.PlayerID
	slot.Metadata["reservedAt"] = fmt.Sprintf("%d", d.clock().UnixMilli())
	server.Slots[slotSuffix] = slot

	if err := d.store.SaveServer(ctx, server); err != nil {
		return Assignment{}, &RejectionError{Reason: ReasonTransientFailure}
	}

	return Assignment{
		RequestID: requestID,
		ServerID:  server.ID,
		SlotID:    slot.SlotID,
		Metadata:  slot.Metadata,
	}, nil
}

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Dispatcher) loadEligibleServers(ctx context.Context, ids []string) []identity.ServerRecord {
	out := make([]identity.ServerRecord, 0, len(ids))
	for _, id := range ids {
		server, err := d.store.LoadServer(ctx, id)
		if err != nil {
			continue
		}
		if !server.IsActive() || server.Status != identity.StatusAvailable {
			continue
		}
		out = append(out, server)
	}
	return out
}

// candidateSlot pairs a server with one of its available slots for
// tie-break sorting.
type candidateSlot struct {
	server      identity.ServerRecord
	slotSuffix  string
	onlineInSlot int
	effectiveLoad float64
}

// pickSlot implements the §4.6 step 4-5 tie-break: lowest
// onlinePlayers in the chosen slot, then lowest effective load across
// the server's active slots, then lexicographic serverId.
func (d *Dispatcher) pickSlot(servers []identity.ServerRecord, descriptor identity.SlotFamilyDescriptor) (identity.ServerRecord, string, bool) {
	var candidates []candidateSlot

	for _, server := range servers {
		load := effectiveLoad(server)
		for suffix, slot := range server.Slots {
			if !slot.HasCapacity() {
				continue
			}
			candidates = append(candidates, candidateSlot{
				server:        server,
				slotSuffix:    suffix,
				onlineInSlot:  slot.OnlinePlayers,
				effectiveLoad: load,
			})
		}
	}

	if len(candidates) == 0 {
		return identity.ServerRecord{}, "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].onlineInSlot != candidates[j].onlineInSlot {
			return candidates[i].onlineInSlot < candidates[j].onlineInSlot
		}
		if candidates[i].effectiveLoad != candidates[j].effectiveLoad {
			return candidates[i].effectiveLoad < candidates[j].effectiveLoad
		}
		return candidates[i].server.ID < candidates[j].server.ID
	})

	best := candidates[0]
	return best.server, best.slotSuffix, true
}

// effectiveLoad computes Σ(onlinePlayers * playerEquivalentFactor) / 10
// / maxCapacity across all of a server's slots. The factor comes from
// each slot's "playerEquivalentFactor" metadata entry and is 10 (1.0x)
// for slots without a parseable one; the family descriptor's
// playerEquivalentFactor is not consulted.
func effectiveLoad(server identity.ServerRecord) float64 {
	if server.MaxCapacity <= 0 {
		return 0
	}
	var weighted float64
	for _, slot := range server.Slots {
		factor := 10
		if v, ok := slot.Metadata["playerEquivalentFactor"]; ok {
			if parsed, err := parseFactor(v); err == nil {
				factor = parsed
			}
		}
		weighted += float64(slot.OnlinePlayers*factor) / 10.0
	}
	return weighted / float64(server.MaxCapacity)
}

func parseFactor(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func (d *Dispatcher) inCooldown(playerID string) bool {
	d.cooldownMu.Lock()
	defer d.cooldownMu.Unlock()
	until, ok := d.cooldown[playerID]
	if !ok {
		return false
	}
	return d.clock().Before(until)
}

func (d *Dispatcher) markCooldown(playerID string) {
	d.cooldownMu.Lock()
	defer d.cooldownMu.Unlock()
	d.cooldown[playerID] = d.clock().Add(d.cooldownD)
}
