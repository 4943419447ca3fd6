package ownership_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locshare/internal/models"
	"locshare/internal/ownership"
)

func openTestStore(t *testing.T) *ownership.Store {
	t.Helper()

	store, err := ownership.OpenStore(filepath.Join(t.TempDir(), "entities.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestStore_SaveAndLoad tests the persisted assignment round trip.
func TestStore_SaveAndLoad(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(ownership.Entity{
		ConfigID: "config-a", UniqueID: "person-1", Name: "Jamie Doe",
	}))
	require.NoError(t, store.Save(ownership.Entity{
		ConfigID: "config-b", UniqueID: "person-2", Name: "Alex Roe",
	}))

	entities, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	claims, err := store.Claims()
	require.NoError(t, err)
	assert.Len(t, claims["config-a"], 1)
	assert.Len(t, claims["config-b"], 1)
}

// TestStore_LocationRoundTrip tests that the last accepted fix persists with
// the assignment and comes back on load.
func TestStore_LocationRoundTrip(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(ownership.Entity{
		ConfigID: "config-a", UniqueID: "person-1", Name: "Jamie Doe",
	}))

	entities, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Nil(t, entities[0].Loc)

	loc := &models.LocationData{
		Address:     "1600 Amphitheatre Pkwy",
		GPSAccuracy: 25,
		LastSeen:    time.Unix(1700000000, 0).UTC(),
		Latitude:    37.422,
		Longitude:   -122.084,
	}
	require.NoError(t, store.SaveLocation("person-1", loc))

	entities, err = store.LoadAll()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.NotNil(t, entities[0].Loc)
	assert.Equal(t, *loc, *entities[0].Loc)
}

// TestStore_SaveLocation_UnknownEntity tests that updating a fix for an
// entity that was never assigned stores nothing.
func TestStore_SaveLocation_UnknownEntity(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveLocation("person-1", &models.LocationData{
		LastSeen: time.Unix(1700000000, 0).UTC(), Latitude: 1, Longitude: 2,
	}))

	entities, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, entities)
}

// TestStore_Save_Reassigns tests that saving an existing unique ID moves it
// to the new config instead of duplicating it.
func TestStore_Save_Reassigns(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(ownership.Entity{ConfigID: "config-a", UniqueID: "person-1"}))
	require.NoError(t, store.Save(ownership.Entity{ConfigID: "config-b", UniqueID: "person-1"}))

	entities, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "config-b", string(entities[0].ConfigID))
}

// TestStore_Delete tests removing a single assignment.
func TestStore_Delete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(ownership.Entity{ConfigID: "config-a", UniqueID: "person-1"}))
	require.NoError(t, store.Delete("person-1"))

	entities, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, entities)
}

// TestStore_RemoveConfig tests dropping all assignments of one config.
func TestStore_RemoveConfig(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(ownership.Entity{ConfigID: "config-a", UniqueID: "person-1"}))
	require.NoError(t, store.Save(ownership.Entity{ConfigID: "config-a", UniqueID: "person-2"}))
	require.NoError(t, store.Save(ownership.Entity{ConfigID: "config-b", UniqueID: "person-3"}))

	require.NoError(t, store.RemoveConfig("config-a"))

	claims, err := store.Claims()
	require.NoError(t, err)
	assert.Empty(t, claims["config-a"])
	assert.Len(t, claims["config-b"], 1)
}
