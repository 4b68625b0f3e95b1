package character

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vtt-server/internal/domain/character"
)

// MemoryRepository is a goroutine-safe in-memory Repository with the same
// semantics as the postgres implementation. It backs local development
// without a database and the package tests across the core.
type MemoryRepository struct {
	mu       sync.RWMutex
	records  map[string]character.Stored
	profiles map[uuid.UUID][]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:  make(map[string]character.Stored),
		profiles: make(map[uuid.UUID][]string),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, s character.Stored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[s.ID]; exists {
		return fmt.Errorf("character %s already exists", s.ID)
	}
	m.records[s.ID] = cloneStored(s)
	m.profiles[s.OwnerUserID] = append(m.profiles[s.OwnerUserID], s.ID)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*character.Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	out := cloneStored(s)
	return &out, nil
}

func (m *MemoryRepository) ListByOwner(_ context.Context, owner uuid.UUID) ([]character.Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]character.Stored, 0)
	for _, s := range m.records {
		if s.OwnerUserID == owner && s.DeletedAt == nil {
			out = append(out, cloneStored(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPlayedAt.After(out[j].LastPlayedAt)
	})
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, s character.Stored, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[s.ID]
	if !ok {
		return fmt.Errorf("%w: character %s", character.ErrNotFound, s.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: character %s expected version %d, stored %d",
			character.ErrVersionConflict, s.ID, expectedVersion, current.Version)
	}
	m.records[s.ID] = cloneStored(s)
	return nil
}

func (m *MemoryRepository) SoftDelete(_ context.Context, id string, owner uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok || s.OwnerUserID != owner || s.DeletedAt != nil {
		return fmt.Errorf("%w: character %s", character.ErrNotFound, id)
	}
	t := at
	s.DeletedAt = &t
	s.UpdatedAt = at
	m.records[id] = s
	ids := m.profiles[owner]
	kept := ids[:0]
	for _, cid := range ids {
		if cid != id {
			kept = append(kept, cid)
		}
	}
	m.profiles[owner] = kept
	return nil
}

func (m *MemoryRepository) TouchLastPlayed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: character %s", character.ErrNotFound, id)
	}
	s.LastPlayedAt = at
	m.records[id] = s
	return nil
}

// OwnedIDs returns the owner's character-id list, mirroring the
// user_profiles document.
func (m *MemoryRepository) OwnedIDs(owner uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.profiles[owner]))
	copy(out, m.profiles[owner])
	return out
}

func cloneStored(s character.Stored) character.Stored {
	rec := character.FromStored(&s)
	out := s
	out.Doc.Inventory = rec.Inventory
	out.Doc.Equipment = rec.Equipment
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		out.DeletedAt = &t
	}
	return out
}
