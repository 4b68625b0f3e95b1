package character

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		ID:         "char-1",
		Name:       "Aria",
		Race:       "elf",
		Subrace:    "high elf",
		Class:      "wizard",
		Alignment:  "neutral good",
		Level:      3,
		Experience: 900,
		Exhaustion: 1,
		Stats: Stats{
			Strength: 8, Dexterity: 14, Constitution: 12,
			Intelligence: 17, Wisdom: 11, Charisma: 10,
		},
		Resources: Resources{
			Health:       ResourcePool{Current: 18, Max: 20},
			Mana:         ResourcePool{Current: 30, Max: 40},
			ActionPoints: ResourcePool{Current: 2, Max: 3},
		},
		Inventory: Inventory{
			Items:    []Item{{"id": "itm-1", "name": "staff"}},
			Currency: Currency{Gold: 25, Silver: 3},
		},
		Equipment: Equipment{
			Weapon:      Item{"id": "itm-1", "name": "staff"},
			Accessories: []Item{{"id": "itm-2", "name": "ring"}},
		},
		Lore:    map[string]string{"backstory": "raised in the spire"},
		Version: 4,
	}
}

func TestToStoredFillsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := uuid.New()

	stored := ToStored(Record{ID: "c1", Name: "Bran", Race: "human", Class: "fighter"}, owner, now)

	require.Equal(t, owner, stored.OwnerUserID)
	require.Equal(t, 1, stored.Version)
	require.Equal(t, 1, stored.Doc.Level)
	for _, name := range StatNames() {
		v, ok := stored.Doc.Stats.Value(name)
		require.True(t, ok)
		require.Equal(t, DefaultStat, v)
	}
	require.Equal(t, ResourcePool{Current: 100, Max: 100}, stored.Doc.Resources.Health)
	require.Equal(t, ResourcePool{Current: 50, Max: 50}, stored.Doc.Resources.Mana)
	require.Equal(t, ResourcePool{Current: 3, Max: 3}, stored.Doc.Resources.ActionPoints)
	require.NotNil(t, stored.Doc.Inventory.Items)
	require.Empty(t, stored.Doc.Inventory.Items)
	require.Equal(t, now, stored.CreatedAt)
	require.Equal(t, now, stored.UpdatedAt)
	require.Equal(t, now, stored.LastPlayedAt)
}

func TestToStoredPreservesSetValues(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := sampleRecord()

	stored := ToStored(rec, uuid.New(), now)

	require.Equal(t, rec.Stats, stored.Doc.Stats)
	require.Equal(t, rec.Resources, stored.Doc.Resources)
	require.Equal(t, rec.Level, stored.Doc.Level)
	require.Equal(t, rec.Version+1, stored.Version)
}

func TestRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := uuid.New()
	rec := sampleRecord()
	rec.CreatedAt = now.Add(-48 * time.Hour)
	rec.LastPlayedAt = now.Add(-time.Hour)

	stored := ToStored(rec, owner, now)
	back := FromStored(&stored)
	require.NotNil(t, back)

	require.Equal(t, rec.ID, back.ID)
	require.Equal(t, owner, back.OwnerUserID)
	require.Equal(t, rec.Name, back.Name)
	require.Equal(t, rec.Race, back.Race)
	require.Equal(t, rec.Subrace, back.Subrace)
	require.Equal(t, rec.Class, back.Class)
	require.Equal(t, rec.Alignment, back.Alignment)
	require.Equal(t, rec.Level, back.Level)
	require.Equal(t, rec.Experience, back.Experience)
	require.Equal(t, rec.Exhaustion, back.Exhaustion)
	require.Equal(t, rec.Stats, back.Stats)
	require.Equal(t, rec.Resources, back.Resources)
	require.Equal(t, rec.Inventory, back.Inventory)
	require.Equal(t, rec.Equipment, back.Equipment)
	require.Equal(t, rec.Lore, back.Lore)
	require.Equal(t, rec.CreatedAt, back.CreatedAt)
	require.Equal(t, rec.LastPlayedAt, back.LastPlayedAt)
	// UpdatedAt and Version are refreshed by the transform.
	require.Equal(t, now, back.UpdatedAt)
	require.Equal(t, rec.Version+1, back.Version)
}

func TestFromStoredNil(t *testing.T) {
	require.Nil(t, FromStored(nil))
}

func TestToStoredDoesNotMutateInput(t *testing.T) {
	rec := Record{ID: "c1", Name: "Bran", Race: "human", Class: "fighter"}
	_ = ToStored(rec, uuid.New(), time.Now().UTC())

	require.Equal(t, 0, rec.Stats.Strength)
	require.Equal(t, 0, rec.Level)
	require.Nil(t, rec.Inventory.Items)
}
