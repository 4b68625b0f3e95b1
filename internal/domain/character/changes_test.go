package character

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordRejectsUnknownChangeType(t *testing.T) {
	c := NewSessionChanges()
	err := c.Record("teleport", map[string]any{}, time.Now())
	require.Error(t, err)
}

func TestRecordRejectsMalformedPayloads(t *testing.T) {
	c := NewSessionChanges()
	now := time.Now()

	require.Error(t, c.Record(ChangeInventoryAdd, map[string]any{}, now))
	require.Error(t, c.Record(ChangeInventoryRemove, map[string]any{}, now))
	require.Error(t, c.Record(ChangeInventoryModify, map[string]any{"itemId": "x"}, now))
	require.Error(t, c.Record(ChangeResource, map[string]any{"resource": "luck", "current": 1}, now))
	require.Error(t, c.Record(ChangeStat, map[string]any{"stat": "speed", "value": 5}, now))
	require.Error(t, c.Record(ChangeEquipmentEquip, map[string]any{"slot": "weapon"}, now))
	require.Error(t, c.Record(ChangeEquipmentUnequip, map[string]any{}, now))
}

func TestReplayInventoryAndCurrencyClamp(t *testing.T) {
	rec := sampleRecord()
	rec.Inventory.Currency = Currency{Gold: 10, Silver: 3}

	c := NewSessionChanges()
	now := time.Now()
	require.NoError(t, c.Record(ChangeInventoryAdd, map[string]any{
		"item": map[string]any{"id": "itm-3", "name": "potion"},
	}, now))
	require.NoError(t, c.Record(ChangeInventoryRemove, map[string]any{"itemId": "itm-1"}, now))
	require.NoError(t, c.Record(ChangeInventoryModify, map[string]any{
		"itemId": "itm-3", "patch": map[string]any{"charges": 2},
	}, now))
	require.NoError(t, c.Record(ChangeCurrencyGain, map[string]any{"gold": 5}, now))
	require.NoError(t, c.Record(ChangeCurrencySpend, map[string]any{"gold": 40, "silver": 2}, now))

	out := Replay(rec, *c)

	require.Len(t, out.Inventory.Items, 1)
	require.Equal(t, "itm-3", out.Inventory.Items[0].ID())
	require.Equal(t, 2, out.Inventory.Items[0]["charges"])
	// 10 + 5 - 40 clamps at zero; silver 3 - 2 = 1.
	require.Equal(t, 0, out.Inventory.Currency.Gold)
	require.Equal(t, 1, out.Inventory.Currency.Silver)
	// The input record is untouched.
	require.Equal(t, 10, rec.Inventory.Currency.Gold)
	require.Len(t, rec.Inventory.Items, 1)
}

func TestReplayOverridesAndEquipment(t *testing.T) {
	rec := sampleRecord()

	c := NewSessionChanges()
	now := time.Now()
	require.NoError(t, c.Record(ChangeResource, map[string]any{"resource": "health", "current": 5}, now))
	require.NoError(t, c.Record(ChangeResource, map[string]any{"resource": "mana", "current": 12, "max": 45}, now))
	require.NoError(t, c.Record(ChangeStat, map[string]any{"stat": "strength", "value": 16}, now))
	require.NoError(t, c.Record(ChangeExperienceGain, map[string]any{"amount": 150}, now))
	require.NoError(t, c.Record(ChangeEquipmentEquip, map[string]any{
		"slot": "shield", "item": map[string]any{"id": "itm-4", "name": "buckler"},
	}, now))
	require.NoError(t, c.Record(ChangeEquipmentUnequip, map[string]any{
		"slot": "accessories", "itemId": "itm-2",
	}, now))

	out := Replay(rec, *c)

	require.Equal(t, ResourcePool{Current: 5, Max: 20}, out.Resources.Health)
	require.Equal(t, ResourcePool{Current: 12, Max: 45}, out.Resources.Mana)
	require.Equal(t, 16, out.Stats.Strength)
	require.Equal(t, rec.Experience+150, out.Experience)
	require.Equal(t, "itm-4", out.Equipment.Shield.ID())
	require.Empty(t, out.Equipment.Accessories)
}

func TestReplayLastResourceOverrideWins(t *testing.T) {
	rec := sampleRecord()
	c := NewSessionChanges()
	now := time.Now()
	require.NoError(t, c.Record(ChangeResource, map[string]any{"resource": "health", "current": 3}, now))
	require.NoError(t, c.Record(ChangeResource, map[string]any{"resource": "health", "current": 9}, now))

	out := Replay(rec, *c)
	require.Equal(t, 9, out.Resources.Health.Current)
}

func TestApplyChange(t *testing.T) {
	rec := sampleRecord()
	require.NoError(t, ApplyChange(&rec, ChangeExperienceGain, map[string]any{"amount": float64(50)}))
	require.Equal(t, 950, rec.Experience)

	require.Error(t, ApplyChange(&rec, "unknown", map[string]any{}))
}
