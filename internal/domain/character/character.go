// Package character holds the canonical character record, the schema
// transform between the external record shape and the storage shape, and
// the change semantics used by play sessions and the offline sync queue.
package character

import (
	"time"

	"github.com/google/uuid"
)

// Stat and resource names used throughout the core. A stat value of zero
// means "unset"; the schema transform fills unset stats with DefaultStat.
const (
	StatStrength     = "strength"
	StatDexterity    = "dexterity"
	StatConstitution = "constitution"
	StatIntelligence = "intelligence"
	StatWisdom       = "wisdom"
	StatCharisma     = "charisma"

	ResourceHealth       = "health"
	ResourceMana         = "mana"
	ResourceActionPoints = "actionPoints"

	SlotWeapon      = "weapon"
	SlotArmor       = "armor"
	SlotShield      = "shield"
	SlotAccessories = "accessories"
)

var statNames = []string{
	StatStrength, StatDexterity, StatConstitution,
	StatIntelligence, StatWisdom, StatCharisma,
}

// StatNames returns the six attribute names in canonical order.
func StatNames() []string {
	out := make([]string, len(statNames))
	copy(out, statNames)
	return out
}

type Stats struct {
	Strength     int `json:"strength"`
	Dexterity    int `json:"dexterity"`
	Constitution int `json:"constitution"`
	Intelligence int `json:"intelligence"`
	Wisdom       int `json:"wisdom"`
	Charisma     int `json:"charisma"`
}

// Value returns the named stat. The second return is false for an
// unknown name.
func (s Stats) Value(name string) (int, bool) {
	switch name {
	case StatStrength:
		return s.Strength, true
	case StatDexterity:
		return s.Dexterity, true
	case StatConstitution:
		return s.Constitution, true
	case StatIntelligence:
		return s.Intelligence, true
	case StatWisdom:
		return s.Wisdom, true
	case StatCharisma:
		return s.Charisma, true
	}
	return 0, false
}

// Set overwrites the named stat and reports whether the name was known.
func (s *Stats) Set(name string, v int) bool {
	switch name {
	case StatStrength:
		s.Strength = v
	case StatDexterity:
		s.Dexterity = v
	case StatConstitution:
		s.Constitution = v
	case StatIntelligence:
		s.Intelligence = v
	case StatWisdom:
		s.Wisdom = v
	case StatCharisma:
		s.Charisma = v
	default:
		return false
	}
	return true
}

// ResourcePool is a current/max pair. Current exceeding Max is tolerated
// in storage; it is a steady-state expectation, not a hard constraint.
type ResourcePool struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type Resources struct {
	Health       ResourcePool `json:"health"`
	Mana         ResourcePool `json:"mana"`
	ActionPoints ResourcePool `json:"actionPoints"`
}

func (r Resources) Value(name string) (ResourcePool, bool) {
	switch name {
	case ResourceHealth:
		return r.Health, true
	case ResourceMana:
		return r.Mana, true
	case ResourceActionPoints:
		return r.ActionPoints, true
	}
	return ResourcePool{}, false
}

func (r *Resources) Set(name string, p ResourcePool) bool {
	switch name {
	case ResourceHealth:
		r.Health = p
	case ResourceMana:
		r.Mana = p
	case ResourceActionPoints:
		r.ActionPoints = p
	default:
		return false
	}
	return true
}

// Currency is the four-denomination coin bag. All denominations are kept
// non-negative; Spend clamps at zero instead of going negative.
type Currency struct {
	Platinum int `json:"platinum"`
	Gold     int `json:"gold"`
	Silver   int `json:"silver"`
	Copper   int `json:"copper"`
}

func (c Currency) Add(other Currency) Currency {
	return Currency{
		Platinum: c.Platinum + other.Platinum,
		Gold:     c.Gold + other.Gold,
		Silver:   c.Silver + other.Silver,
		Copper:   c.Copper + other.Copper,
	}
}

// Spend subtracts per denomination, clamping each at zero.
func (c Currency) Spend(other Currency) Currency {
	return Currency{
		Platinum: clampZero(c.Platinum - other.Platinum),
		Gold:     clampZero(c.Gold - other.Gold),
		Silver:   clampZero(c.Silver - other.Silver),
		Copper:   clampZero(c.Copper - other.Copper),
	}
}

func (c Currency) Negative() bool {
	return c.Platinum < 0 || c.Gold < 0 || c.Silver < 0 || c.Copper < 0
}

// CurrencyFromMap reads the four denominations out of a loosely typed
// change payload. Unknown keys are ignored.
func CurrencyFromMap(m map[string]any) Currency {
	return Currency{
		Platinum: toInt(m["platinum"]),
		Gold:     toInt(m["gold"]),
		Silver:   toInt(m["silver"]),
		Copper:   toInt(m["copper"]),
	}
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Item is an opaque, caller-defined payload. This core only moves items
// around, matches them by their "id" key, and persists them; the item
// schema belongs to the inventory subsystem.
type Item map[string]any

// ID returns the item's "id" key, or "" when absent.
func (it Item) ID() string {
	if it == nil {
		return ""
	}
	id, _ := it["id"].(string)
	return id
}

func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Patch merges the given keys into a copy of the item.
func (it Item) Patch(patch map[string]any) Item {
	out := it.Clone()
	if out == nil {
		out = Item{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

type Inventory struct {
	Items    []Item   `json:"items"`
	Currency Currency `json:"currency"`
}

func (inv Inventory) Clone() Inventory {
	out := Inventory{Currency: inv.Currency}
	if inv.Items != nil {
		out.Items = make([]Item, len(inv.Items))
		for i, it := range inv.Items {
			out.Items[i] = it.Clone()
		}
	}
	return out
}

// Equipment holds up to four named slots. A nil Item means the slot is
// empty. Accessories is a list; equipping appends, unequipping removes
// by item id (or clears when no id is given).
type Equipment struct {
	Weapon      Item   `json:"weapon,omitempty"`
	Armor       Item   `json:"armor,omitempty"`
	Shield      Item   `json:"shield,omitempty"`
	Accessories []Item `json:"accessories,omitempty"`
}

func (e Equipment) Clone() Equipment {
	out := Equipment{
		Weapon: e.Weapon.Clone(),
		Armor:  e.Armor.Clone(),
		Shield: e.Shield.Clone(),
	}
	if e.Accessories != nil {
		out.Accessories = make([]Item, len(e.Accessories))
		for i, it := range e.Accessories {
			out.Accessories[i] = it.Clone()
		}
	}
	return out
}

// Equip places an item into the named slot.
func (e *Equipment) Equip(slot string, it Item) bool {
	switch slot {
	case SlotWeapon:
		e.Weapon = it
	case SlotArmor:
		e.Armor = it
	case SlotShield:
		e.Shield = it
	case SlotAccessories:
		e.Accessories = append(e.Accessories, it)
	default:
		return false
	}
	return true
}

// Unequip clears the named slot. For the accessories slot, itemID selects
// which accessory to drop; an empty itemID clears the whole list.
func (e *Equipment) Unequip(slot, itemID string) bool {
	switch slot {
	case SlotWeapon:
		e.Weapon = nil
	case SlotArmor:
		e.Armor = nil
	case SlotShield:
		e.Shield = nil
	case SlotAccessories:
		if itemID == "" {
			e.Accessories = nil
			return true
		}
		kept := e.Accessories[:0]
		for _, it := range e.Accessories {
			if it.ID() != itemID {
				kept = append(kept, it)
			}
		}
		e.Accessories = kept
	default:
		return false
	}
	return true
}

// RestoreStamp records where a restored record came from.
type RestoreStamp struct {
	BackupID    string    `json:"backupId"`
	BackupDate  time.Time `json:"backupDate"`
	RestoreDate time.Time `json:"restoreDate"`
}

// Record is the canonical character entity in its external shape. Exactly
// one user owns a record; every read/update/delete verifies OwnerUserID
// before proceeding and denies on mismatch.
type Record struct {
	ID          string    `json:"id"`
	OwnerUserID uuid.UUID `json:"ownerUserId"`

	Name       string `json:"name"`
	Race       string `json:"race"`
	Subrace    string `json:"subrace,omitempty"`
	Class      string `json:"class"`
	Alignment  string `json:"alignment,omitempty"`
	Level      int    `json:"level"`
	Experience int    `json:"experience"`
	Exhaustion int    `json:"exhaustion"`

	Stats     Stats     `json:"stats"`
	Resources Resources `json:"resources"`
	Inventory Inventory `json:"inventory"`
	Equipment Equipment `json:"equipment"`

	// Lore is free-text narrative, opaque to this core.
	Lore map[string]string `json:"lore,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastPlayedAt time.Time  `json:"lastPlayedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`

	// Version increments by one per successful save.
	Version int `json:"version"`

	RestoredFrom *RestoreStamp `json:"restoredFrom,omitempty"`
}

// Clone returns a deep copy. Mutating the copy never touches the
// original's items, equipment, or lore maps.
func (r Record) Clone() Record {
	out := r
	out.Inventory = r.Inventory.Clone()
	out.Equipment = r.Equipment.Clone()
	if r.Lore != nil {
		out.Lore = make(map[string]string, len(r.Lore))
		for k, v := range r.Lore {
			out.Lore[k] = v
		}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	if r.RestoredFrom != nil {
		s := *r.RestoredFrom
		out.RestoredFrom = &s
	}
	return out
}
