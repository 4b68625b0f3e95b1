package character

import (
	"time"

	"github.com/google/uuid"
)

// Defaults filled by ToStored for anything the caller left unset.
const DefaultStat = 10

var (
	defaultHealth       = ResourcePool{Current: 100, Max: 100}
	defaultMana         = ResourcePool{Current: 50, Max: 50}
	defaultActionPoints = ResourcePool{Current: 3, Max: 3}
)

// Doc is the document payload persisted alongside the identity and
// metadata columns. Everything in it round-trips through FromStored
// untouched.
type Doc struct {
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

	Lore map[string]string `json:"lore,omitempty"`

	RestoredFrom *RestoreStamp `json:"restoredFrom,omitempty"`
}

// Stored is the storage shape of a character record: identity and
// metadata as columns, the rest as a document.
type Stored struct {
	ID           string     `json:"id"`
	OwnerUserID  uuid.UUID  `json:"ownerUserId"`
	Name         string     `json:"name"`
	Doc          Doc        `json:"doc"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastPlayedAt time.Time  `json:"lastPlayedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// ToStored converts an external-shape record into the storage shape. It
// fills every unset optional field with its default, stamps UpdatedAt
// with now, and increments the version. The input is never mutated.
func ToStored(rec Record, owner uuid.UUID, now time.Time) Stored {
	r := rec.Clone()
	fillDefaults(&r)

	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	lastPlayed := r.LastPlayedAt
	if lastPlayed.IsZero() {
		lastPlayed = now
	}

	return Stored{
		ID:          r.ID,
		OwnerUserID: owner,
		Name:        r.Name,
		Doc: Doc{
			Race:         r.Race,
			Subrace:      r.Subrace,
			Class:        r.Class,
			Alignment:    r.Alignment,
			Level:        r.Level,
			Experience:   r.Experience,
			Exhaustion:   r.Exhaustion,
			Stats:        r.Stats,
			Resources:    r.Resources,
			Inventory:    r.Inventory,
			Equipment:    r.Equipment,
			Lore:         r.Lore,
			RestoredFrom: r.RestoredFrom,
		},
		Version:      r.Version + 1,
		CreatedAt:    created,
		UpdatedAt:    now,
		LastPlayedAt: lastPlayed,
		DeletedAt:    r.DeletedAt,
	}
}

// FromStored projects the storage shape back to the external record
// shape. It returns nil for a nil input and is a left-inverse of
// ToStored for every round-tripped field; UpdatedAt and Version are
// intentionally refreshed by ToStored and do not round-trip.
func FromStored(s *Stored) *Record {
	if s == nil {
		return nil
	}
	rec := Record{
		ID:           s.ID,
		OwnerUserID:  s.OwnerUserID,
		Name:         s.Name,
		Race:         s.Doc.Race,
		Subrace:      s.Doc.Subrace,
		Class:        s.Doc.Class,
		Alignment:    s.Doc.Alignment,
		Level:        s.Doc.Level,
		Experience:   s.Doc.Experience,
		Exhaustion:   s.Doc.Exhaustion,
		Stats:        s.Doc.Stats,
		Resources:    s.Doc.Resources,
		Inventory:    s.Doc.Inventory.Clone(),
		Equipment:    s.Doc.Equipment.Clone(),
		Lore:         s.Doc.Lore,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		LastPlayedAt: s.LastPlayedAt,
		DeletedAt:    s.DeletedAt,
		Version:      s.Version,
		RestoredFrom: s.Doc.RestoredFrom,
	}
	return &rec
}

func fillDefaults(r *Record) {
	for _, name := range statNames {
		if v, _ := r.Stats.Value(name); v == 0 {
			r.Stats.Set(name, DefaultStat)
		}
	}
	if r.Resources.Health == (ResourcePool{}) {
		r.Resources.Health = defaultHealth
	}
	if r.Resources.Mana == (ResourcePool{}) {
		r.Resources.Mana = defaultMana
	}
	if r.Resources.ActionPoints == (ResourcePool{}) {
		r.Resources.ActionPoints = defaultActionPoints
	}
	if r.Level == 0 {
		r.Level = 1
	}
	if r.Inventory.Items == nil {
		r.Inventory.Items = []Item{}
	}
}
