// Package slots implements the family cache and dispatcher (§4.6).
// The cache is a read-mostly map-of-maps guarded by a sync.RWMutex:
// updates mutate the maps in place under the write lock and readers
// hold the read lock; it is not copy-on-write. This is grounded on the
// teacher's gateway/manager.go Features/Configuration pattern of small
// mutex-guarded maps.
package slots

import (
	"sync"

	"github.com/fulcrum-net/fulcrum/internal/identity"
)

// FamilyCache tracks which backends host which family/variant
// combinations. One instance is maintained per proxy and per registry
// node (§4.6).
type FamilyCache struct {
	mu sync.RWMutex
	// families maps familyId -> variantId -> set of serverIds. The
	// empty-string variant key holds servers that advertise the family
	// without a specific variant.
	families map[string]map[string]map[string]struct{}
	// descriptors maps familyId -> variantId -> descriptor, so the
	// dispatcher can read playerEquivalentFactor/min/maxPlayers without
	// a second lookup structure.
	descriptors map[string]map[string]identity.SlotFamilyDescriptor
}

// NewFamilyCache creates an empty cache.
func NewFamilyCache() *FamilyCache {
	return &FamilyCache{
		families:    make(map[string]map[string]map[string]struct{}),
		descriptors: make(map[string]map[string]identity.SlotFamilyDescriptor),
	}
}

// Advertise records that serverID hosts the given descriptors,
// replacing whatever that server previously advertised (hot-reload
// support, §4.6 trigger 1). The maps are updated in place while the
// write lock is held, so concurrent readers never observe a
// half-updated state. Family and variant entries left with no servers
// are kept, so Candidates still reports such a family as known.
func (c *FamilyCache) Advertise(serverID string, descriptors []identity.SlotFamilyDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeServerLocked(serverID)

	for _, d := range descriptors {
		variants, ok := c.families[d.FamilyID]
		if !ok {
			variants = make(map[string]map[string]struct{})
			c.families[d.FamilyID] = variants
		}
		servers, ok := variants[d.VariantID]
		if !ok {
			servers = make(map[string]struct{})
			variants[d.VariantID] = servers
		}
		servers[serverID] = struct{}{}

		descByVariant, ok := c.descriptors[d.FamilyID]
		if !ok {
			descByVariant = make(map[string]identity.SlotFamilyDescriptor)
			c.descriptors[d.FamilyID] = descByVariant
		}
		descByVariant[d.VariantID] = d
	}
}

// removeServerLocked strips serverID from every family/variant set.
// Caller must hold c.mu.
func (c *FamilyCache) removeServerLocked(serverID string) {
	for _, variants := range c.families {
		for _, servers := range variants {
			delete(servers, serverID)
		}
	}
}

// Remove drops every advertisement from serverID, e.g. on
// deregistration.
func (c *FamilyCache) Remove(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeServerLocked(serverID)
}

// Candidates returns the set of server ids advertising familyId. If
// variantID is non-empty and the family has explicit variants, only
// servers advertising that exact variant are returned.
func (c *FamilyCache) Candidates(familyID, variantID string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	variants, ok := c.families[familyID]
	if !ok {
		return nil, false
	}

	if variantID == "" {
		seen := make(map[string]struct{})
		var out []string
		for _, servers := range variants {
			for id := range servers {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					out = append(out, id)
				}
			}
		}
		return out, true
	}

	servers, ok := variants[variantID]
	if !ok {
		return nil, true // family known, but nothing advertises this variant
	}
	out := make([]string, 0, len(servers))
	for id := range servers {
		out = append(out, id)
	}
	return out, true
}

// Descriptor returns the published descriptor for familyId/variantId.
// The dispatcher fetches it, but its load scoring (effectiveLoad) does
// not read the descriptor's playerEquivalentFactor.
func (c *FamilyCache) Descriptor(familyID, variantID string) (identity.SlotFamilyDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byVariant, ok := c.descriptors[familyID]
	if !ok {
		return identity.SlotFamilyDescriptor{}, false
	}
	d, ok := byVariant[variantID]
	return d, ok
}

// AdvertisedServerIDs returns every server id currently present in any
// family/variant set, for callers that need to prune entries against
// an external source of truth (e.g. the registry's active set).
func (c *FamilyCache) AdvertisedServerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, variants := range c.families {
		for _, servers := range variants {
			for id := range servers {
				seen[id] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// RebuildFromRegistry replaces the cache wholesale from a registry
// scan — used at boot/reconciliation (§4.6 trigger 2) since advertise
// messages may arrive in either order relative to the first heartbeat
// (§9 open question). Each ServerRecord's Families field is the last
// family.advertise persisted for it by registry.Store.AdvertiseFamilies,
// so this reads the registry as the source of truth rather than
// relying on in-memory bus traffic having reached this process.
func (c *FamilyCache) RebuildFromRegistry(servers []identity.ServerRecord) {
	c.mu.Lock()
	c.families = make(map[string]map[string]map[string]struct{})
	c.descriptors = make(map[string]map[string]identity.SlotFamilyDescriptor)
	c.mu.Unlock()

	for _, server := range servers {
		if len(server.Families) > 0 {
			c.Advertise(server.ID, server.Families)
		}
	}
}
