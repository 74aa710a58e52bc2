package slots_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/slots"
)

func TestAdvertiseAndCandidates(t *testing.T) {
	c := slots.NewFamilyCache()
	c.Advertise("game-1", []identity.SlotFamilyDescriptor{
		{FamilyID: "bedwars", VariantID: "four_four", MaxPlayers: 16},
	})
	c.Advertise("game-2", []identity.SlotFamilyDescriptor{
		{FamilyID: "bedwars", VariantID: "four_four", MaxPlayers: 16},
		{FamilyID: "bedwars", VariantID: "solo", MaxPlayers: 8},
	})

	ids, known := c.Candidates("bedwars", "four_four")
	require.True(t, known)
	sort.Strings(ids)
	assert.Equal(t, []string{"game-1", "game-2"}, ids)

	ids, known = c.Candidates("bedwars", "solo")
	require.True(t, known)
	assert.Equal(t, []string{"game-2"}, ids)

	_, known = c.Candidates("skyblock", "")
	assert.False(t, known)
}

func TestCandidatesKnownFamilyUnknownVariant(t *testing.T) {
	c := slots.NewFamilyCache()
	c.Advertise("game-1", []identity.SlotFamilyDescriptor{{FamilyID: "bedwars", VariantID: "four_four"}})

	ids, known := c.Candidates("bedwars", "eight_eight")
	assert.True(t, known, "family is known even if the variant has no advertisers")
	assert.Empty(t, ids)
}

func TestAdvertiseReplacesPreviousDescriptors(t *testing.T) {
	c := slots.NewFamilyCache()
	c.Advertise("game-1", []identity.SlotFamilyDescriptor{{FamilyID: "bedwars", VariantID: "four_four"}})
	c.Advertise("game-1", []identity.SlotFamilyDescriptor{{FamilyID: "skywars", VariantID: "solo"}})

	ids, known := c.Candidates("bedwars", "four_four")
	assert.True(t, known, "a family stays known after its last advertiser leaves it")
	assert.Empty(t, ids, "re-advertising must drop the server from families it no longer hosts")

	ids, known = c.Candidates("skywars", "solo")
	require.True(t, known)
	assert.Equal(t, []string{"game-1"}, ids)
}

func TestRebuildFromRegistryReplacesCacheFromServerFamilies(t *testing.T) {
	c := slots.NewFamilyCache()
	c.Advertise("game-stale", []identity.SlotFamilyDescriptor{{FamilyID: "bedwars", VariantID: "solo"}})

	c.RebuildFromRegistry([]identity.ServerRecord{
		{
			Identity: identity.Identity{ID: "game-1"},
			Families: []identity.SlotFamilyDescriptor{{FamilyID: "skywars", VariantID: "solo"}},
		},
		{
			Identity: identity.Identity{ID: "game-2"},
		},
	})

	ids, known := c.Candidates("bedwars", "solo")
	require.False(t, known, "a wholesale rebuild keeps no family that the registry scan lacks")
	assert.Empty(t, ids, "rebuild must drop advertisements not present in the registry scan")

	ids, known = c.Candidates("skywars", "solo")
	require.True(t, known)
	assert.Equal(t, []string{"game-1"}, ids)
}

func TestRemove(t *testing.T) {
	c := slots.NewFamilyCache()
	c.Advertise("game-1", []identity.SlotFamilyDescriptor{{FamilyID: "bedwars", VariantID: ""}})
	c.Remove("game-1")

	ids, known := c.Candidates("bedwars", "")
	require.True(t, known)
	assert.Empty(t, ids)
}
