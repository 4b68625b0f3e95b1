package character

import (
	"encoding/json"
	"fmt"
	"time"
)

// Change types recorded during a play session or queued while offline.
const (
	ChangeInventoryAdd     = "inventory_add"
	ChangeInventoryRemove  = "inventory_remove"
	ChangeInventoryModify  = "inventory_modify"
	ChangeCurrencyGain     = "currency_gain"
	ChangeCurrencySpend    = "currency_spend"
	ChangeExperienceGain   = "experience_gain"
	ChangeResource         = "resource_change"
	ChangeStat             = "stat_change"
	ChangeEquipmentEquip   = "equipment_equip"
	ChangeEquipmentUnequip = "equipment_unequip"
)

type AddedItem struct {
	Item Item      `json:"item"`
	At   time.Time `json:"at"`
}

type RemovedItem struct {
	ItemID string    `json:"itemId"`
	At     time.Time `json:"at"`
}

type ItemPatch struct {
	ItemID string         `json:"itemId"`
	Patch  map[string]any `json:"patch"`
	At     time.Time      `json:"at"`
}

// ResourceOverride is a last-write-wins overwrite of one resource pool.
// Max is only applied when present in the recorded change.
type ResourceOverride struct {
	Current int  `json:"current"`
	Max     int  `json:"max"`
	HasMax  bool `json:"hasMax"`
}

type EquippedItem struct {
	Slot string    `json:"slot"`
	Item Item      `json:"item"`
	At   time.Time `json:"at"`
}

type UnequippedSlot struct {
	Slot   string    `json:"slot"`
	ItemID string    `json:"itemId,omitempty"`
	At     time.Time `json:"at"`
}

// SessionChanges accumulates the typed deltas of one play session for
// one character. Inventory and equipment changes append; currency and
// experience sum; resources and stats are last-write-wins overwrites.
type SessionChanges struct {
	InventoryAdded    []AddedItem                 `json:"inventoryAdded,omitempty"`
	InventoryRemoved  []RemovedItem               `json:"inventoryRemoved,omitempty"`
	InventoryModified []ItemPatch                 `json:"inventoryModified,omitempty"`
	CurrencyGained    Currency                    `json:"currencyGained"`
	CurrencySpent     Currency                    `json:"currencySpent"`
	ExperienceGained  int                         `json:"experienceGained"`
	Resources         map[string]ResourceOverride `json:"resources,omitempty"`
	Stats             map[string]int              `json:"stats,omitempty"`
	Equipped          []EquippedItem              `json:"equipped,omitempty"`
	Unequipped        []UnequippedSlot            `json:"unequipped,omitempty"`
}

func NewSessionChanges() *SessionChanges {
	return &SessionChanges{
		Resources: make(map[string]ResourceOverride),
		Stats:     make(map[string]int),
	}
}

// Clone deep-copies the change set. The session tracker snapshots under
// its lock with Clone so marshaling and replay never alias the maps and
// slices a concurrent Record is mutating.
func (c *SessionChanges) Clone() *SessionChanges {
	out := &SessionChanges{
		CurrencyGained:   c.CurrencyGained,
		CurrencySpent:    c.CurrencySpent,
		ExperienceGained: c.ExperienceGained,
		Resources:        make(map[string]ResourceOverride, len(c.Resources)),
		Stats:            make(map[string]int, len(c.Stats)),
	}
	for name, ov := range c.Resources {
		out.Resources[name] = ov
	}
	for name, v := range c.Stats {
		out.Stats[name] = v
	}
	for _, add := range c.InventoryAdded {
		out.InventoryAdded = append(out.InventoryAdded, AddedItem{Item: add.Item.Clone(), At: add.At})
	}
	out.InventoryRemoved = append([]RemovedItem(nil), c.InventoryRemoved...)
	for _, mod := range c.InventoryModified {
		patch := make(map[string]any, len(mod.Patch))
		for k, v := range mod.Patch {
			patch[k] = v
		}
		out.InventoryModified = append(out.InventoryModified, ItemPatch{ItemID: mod.ItemID, Patch: patch, At: mod.At})
	}
	for _, eq := range c.Equipped {
		out.Equipped = append(out.Equipped, EquippedItem{Slot: eq.Slot, Item: eq.Item.Clone(), At: eq.At})
	}
	out.Unequipped = append([]UnequippedSlot(nil), c.Unequipped...)
	return out
}

// Record folds one typed change into the accumulated set. Unknown change
// types and malformed payloads are rejected so a caller is never left
// believing a change was captured when it was not.
func (c *SessionChanges) Record(changeType string, data map[string]any, at time.Time) error {
	switch changeType {
	case ChangeInventoryAdd:
		item := itemFrom(data["item"])
		if item == nil {
			return fmt.Errorf("inventory_add: missing item")
		}
		c.InventoryAdded = append(c.InventoryAdded, AddedItem{Item: item, At: at})
	case ChangeInventoryRemove:
		id, _ := data["itemId"].(string)
		if id == "" {
			return fmt.Errorf("inventory_remove: missing itemId")
		}
		c.InventoryRemoved = append(c.InventoryRemoved, RemovedItem{ItemID: id, At: at})
	case ChangeInventoryModify:
		id, _ := data["itemId"].(string)
		patch, _ := data["patch"].(map[string]any)
		if id == "" || patch == nil {
			return fmt.Errorf("inventory_modify: missing itemId or patch")
		}
		c.InventoryModified = append(c.InventoryModified, ItemPatch{ItemID: id, Patch: patch, At: at})
	case ChangeCurrencyGain:
		c.CurrencyGained = c.CurrencyGained.Add(CurrencyFromMap(data))
	case ChangeCurrencySpend:
		c.CurrencySpent = c.CurrencySpent.Add(CurrencyFromMap(data))
	case ChangeExperienceGain:
		c.ExperienceGained += toInt(data["amount"])
	case ChangeResource:
		name, _ := data["resource"].(string)
		if _, ok := (Resources{}).Value(name); !ok {
			return fmt.Errorf("resource_change: unknown resource %q", name)
		}
		ov := ResourceOverride{Current: toInt(data["current"])}
		if _, has := data["max"]; has {
			ov.Max = toInt(data["max"])
			ov.HasMax = true
		}
		if c.Resources == nil {
			c.Resources = make(map[string]ResourceOverride)
		}
		c.Resources[name] = ov
	case ChangeStat:
		name, _ := data["stat"].(string)
		if _, ok := (Stats{}).Value(name); !ok {
			return fmt.Errorf("stat_change: unknown stat %q", name)
		}
		if c.Stats == nil {
			c.Stats = make(map[string]int)
		}
		c.Stats[name] = toInt(data["value"])
	case ChangeEquipmentEquip:
		slot, _ := data["slot"].(string)
		item := itemFrom(data["item"])
		if slot == "" || item == nil {
			return fmt.Errorf("equipment_equip: missing slot or item")
		}
		c.Equipped = append(c.Equipped, EquippedItem{Slot: slot, Item: item, At: at})
	case ChangeEquipmentUnequip:
		slot, _ := data["slot"].(string)
		if slot == "" {
			return fmt.Errorf("equipment_unequip: missing slot")
		}
		itemID, _ := data["itemId"].(string)
		c.Unequipped = append(c.Unequipped, UnequippedSlot{Slot: slot, ItemID: itemID, At: at})
	default:
		return fmt.Errorf("unknown change type %q", changeType)
	}
	return nil
}

// Replay merges an accumulated change set onto a record, deterministically:
// inventory adds append, removes filter by id, modifies patch by id;
// currency gains apply before spends and every denomination clamps at
// zero; experience adds; resources and stats overwrite; equipment slots
// are set then cleared by slot name. The input record is not mutated.
func Replay(rec Record, c SessionChanges) Record {
	out := rec.Clone()

	for _, add := range c.InventoryAdded {
		out.Inventory.Items = append(out.Inventory.Items, add.Item.Clone())
	}
	for _, rm := range c.InventoryRemoved {
		kept := out.Inventory.Items[:0]
		for _, it := range out.Inventory.Items {
			if it.ID() != rm.ItemID {
				kept = append(kept, it)
			}
		}
		out.Inventory.Items = kept
	}
	for _, mod := range c.InventoryModified {
		for i, it := range out.Inventory.Items {
			if it.ID() == mod.ItemID {
				out.Inventory.Items[i] = it.Patch(mod.Patch)
			}
		}
	}

	out.Inventory.Currency = out.Inventory.Currency.Add(c.CurrencyGained).Spend(c.CurrencySpent)
	out.Experience += c.ExperienceGained

	for name, ov := range c.Resources {
		pool, _ := out.Resources.Value(name)
		pool.Current = ov.Current
		if ov.HasMax {
			pool.Max = ov.Max
		}
		out.Resources.Set(name, pool)
	}
	for name, v := range c.Stats {
		out.Stats.Set(name, v)
	}

	for _, eq := range c.Equipped {
		out.Equipment.Equip(eq.Slot, eq.Item.Clone())
	}
	for _, uneq := range c.Unequipped {
		out.Equipment.Unequip(uneq.Slot, uneq.ItemID)
	}

	return out
}

// ApplyChange applies one queued change directly to a record, with the
// same semantics Replay gives the equivalent session delta. Used by the
// offline sync queue, which replays changes one at a time in timestamp
// order.
func ApplyChange(rec *Record, changeType string, data map[string]any) error {
	single := NewSessionChanges()
	if err := single.Record(changeType, data, time.Now().UTC()); err != nil {
		return err
	}
	*rec = Replay(*rec, *single)
	return nil
}

// itemFrom normalizes the loosely typed "item" field of a change payload.
func itemFrom(v any) Item {
	switch t := v.(type) {
	case Item:
		return t
	case map[string]any:
		return Item(t)
	default:
		return nil
	}
}

// toInt coerces the numeric types a JSON-decoded payload may carry.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
