package ownership_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"locshare/internal/models"
	"locshare/internal/ownership"
)

// TestRegistry_Take_FirstClaimantWins tests that an ID claimed by one config
// cannot be taken by another.
func TestRegistry_Take_FirstClaimantWins(t *testing.T) {
	r := ownership.NewRegistry()

	taken := r.Take("config-a", []models.UniqueID{"person-1"})
	assert.Contains(t, taken, models.UniqueID("person-1"))

	// A different config must not be able to take the same ID.
	taken = r.Take("config-b", []models.UniqueID{"person-1"})
	assert.Empty(t, taken)
	assert.True(t, r.Own("config-a", "person-1"))
	assert.False(t, r.Own("config-b", "person-1"))
}

// TestRegistry_Take_Idempotent tests that re-taking an owned ID reaffirms it.
func TestRegistry_Take_Idempotent(t *testing.T) {
	r := ownership.NewRegistry()

	r.Take("config-a", []models.UniqueID{"person-1"})
	taken := r.Take("config-a", []models.UniqueID{"person-1", "person-2"})

	assert.Contains(t, taken, models.UniqueID("person-1"))
	assert.Contains(t, taken, models.UniqueID("person-2"))
	assert.Len(t, r.Owned("config-a"), 2)
}

// TestRegistry_Release_OwnedByOther tests that releasing an ID owned by a
// different config is a no-op.
func TestRegistry_Release_OwnedByOther(t *testing.T) {
	r := ownership.NewRegistry()

	r.Take("config-b", []models.UniqueID{"person-1"})
	r.Release("config-a", "person-1")

	assert.True(t, r.Own("config-b", "person-1"))
	assert.False(t, r.Empty())
}

// TestRegistry_Release_Owned tests releasing an ID the config owns.
func TestRegistry_Release_Owned(t *testing.T) {
	r := ownership.NewRegistry()

	r.Take("config-a", []models.UniqueID{"person-1"})
	r.Release("config-a", "person-1")

	assert.False(t, r.Own("config-a", "person-1"))
	assert.True(t, r.Empty())
}

// TestRegistry_Remove_FreesIDs tests that removing a config makes its IDs
// claimable by others.
func TestRegistry_Remove_FreesIDs(t *testing.T) {
	r := ownership.NewRegistry()

	r.Take("config-a", []models.UniqueID{"person-1", "person-2"})
	r.Remove("config-a")

	assert.True(t, r.Empty())

	taken := r.Take("config-b", []models.UniqueID{"person-1"})
	assert.Contains(t, taken, models.UniqueID("person-1"))
	assert.True(t, r.Own("config-b", "person-1"))
}

// TestRegistry_OwnedByOthers tests the global-minus-own set.
func TestRegistry_OwnedByOthers(t *testing.T) {
	r := ownership.NewRegistry()

	r.Take("config-a", []models.UniqueID{"person-1"})
	r.Take("config-b", []models.UniqueID{"person-2"})

	others := r.OwnedByOthers("config-a")
	assert.Len(t, others, 1)
	assert.Contains(t, others, models.UniqueID("person-2"))
}

// TestRegistry_Seed tests seeding from persisted assignments.
func TestRegistry_Seed(t *testing.T) {
	r := ownership.NewRegistry()

	r.Seed(map[models.ConfigID][]models.UniqueID{
		"config-a": {"person-1", "person-2"},
		"config-b": {"person-3"},
	})

	assert.Len(t, r.Owned("config-a"), 2)
	assert.Len(t, r.Owned("config-b"), 1)
	assert.False(t, r.Empty())
}

// TestRegistry_ConcurrentTake tests that concurrent claims of the same IDs
// never produce two owners for one ID.
func TestRegistry_ConcurrentTake(t *testing.T) {
	r := ownership.NewRegistry()

	uids := []models.UniqueID{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	configs := []models.ConfigID{"config-a", "config-b", "config-c", "config-d"}

	results := make([]map[models.UniqueID]struct{}, len(configs))
	var wg sync.WaitGroup
	for i, cid := range configs {
		wg.Add(1)
		go func(i int, cid models.ConfigID) {
			defer wg.Done()
			results[i] = r.Take(cid, uids)
		}(i, cid)
	}
	wg.Wait()

	// Every ID must end up owned by exactly one config.
	owners := make(map[models.UniqueID]int)
	for _, taken := range results {
		for uid := range taken {
			owners[uid]++
		}
	}
	for _, uid := range uids {
		assert.Equal(t, 1, owners[uid], "unique ID %s must have exactly one owner", uid)
	}

	// Per-config sets must union to the global claimed set.
	total := 0
	for _, cid := range configs {
		total += len(r.Owned(cid))
	}
	assert.Equal(t, len(uids), total)
}
