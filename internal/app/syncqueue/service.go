// Package syncqueue is the durable offline change queue: changes made
// while the remote store is unreachable are persisted locally and
// replayed in timestamp order per character once connectivity returns.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vtt-server/internal/domain/character"
	"vtt-server/internal/platform/localstore"
)

const queueKey = localstore.KeyPrefix + "sync_queue"

// QueuedChange is one durable record of a change made while
// disconnected.
type QueuedChange struct {
	ID          string         `json:"id"`
	CharacterID string         `json:"characterId"`
	UserID      uuid.UUID      `json:"userId"`
	ChangeType  string         `json:"changeType"`
	ChangeData  map[string]any `json:"changeData"`
	Timestamp   time.Time      `json:"timestamp"`
	Synced      bool           `json:"synced"`
}

type CharacterStore interface {
	Load(ctx context.Context, characterID string, userID uuid.UUID) (*character.Record, error)
	Save(ctx context.Context, userID uuid.UUID, rec *character.Record) (*character.Record, error)
}

// Status is the introspection surface a UI needs to show sync state.
type Status struct {
	PendingChanges int       `json:"pendingChanges"`
	LastSyncAt     time.Time `json:"lastSyncAt"`
	Online         bool      `json:"online"`
	Syncing        bool      `json:"syncing"`
}

type Service struct {
	logger     zerolog.Logger
	store      localstore.Store
	characters CharacterStore

	mu       sync.Mutex
	online   bool
	syncing  bool
	lastSync time.Time
}

func NewService(logger zerolog.Logger, store localstore.Store, characters CharacterStore, online bool) *Service {
	return &Service{logger: logger, store: store, characters: characters, online: online}
}

// QueueChange appends a change to the durable queue. When online and not
// already draining, an immediate drain is attempted so a transient
// mirror failure does not wait for the next connectivity transition.
func (s *Service) QueueChange(ctx context.Context, characterID string, userID uuid.UUID, changeType string, data map[string]any) (string, error) {
	if characterID == "" || userID == uuid.Nil {
		return "", fmt.Errorf("%w: missing character or user id", character.ErrValidation)
	}
	change := QueuedChange{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		UserID:      userID,
		ChangeType:  changeType,
		ChangeData:  data,
		Timestamp:   time.Now().UTC(),
	}

	s.mu.Lock()
	queue, err := s.loadQueue(ctx)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	queue = append(queue, change)
	if err := s.saveQueue(ctx, queue); err != nil {
		s.mu.Unlock()
		return "", err
	}
	drainNow := s.online && !s.syncing
	s.mu.Unlock()

	if drainNow {
		if _, err := s.Sync(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("immediate drain failed")
		}
	}
	return change.ID, nil
}

// DropChanges removes queued changes by id. The session tracker calls
// it after a successful end-of-session replay: those entries were
// duplicated into the queue for crash safety, and the replay has made
// them redundant.
func (s *Service) DropChanges(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}
	kept := queue[:0]
	for _, ch := range queue {
		if _, ok := drop[ch.ID]; !ok {
			kept = append(kept, ch)
		}
	}
	if len(kept) == len(queue) {
		return nil
	}
	return s.saveQueue(ctx, kept)
}

// SetOnline records a connectivity transition. Going online triggers a
// drain; going offline merely stops new drains, without interrupting
// in-flight work.
func (s *Service) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if online && !was {
		if _, err := s.Sync(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("drain on reconnect failed")
		}
	}
}

func (s *Service) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Sync drains the queue: changes are grouped by character, each group
// replayed in ascending timestamp order onto a fresh load of the record
// and saved once. Groups fail independently; a failed group's entries
// stay queued for the next drain while other groups complete. Returns
// the number of changes synced.
func (s *Service) Sync(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return 0, nil
	}
	if !s.online {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: offline", character.ErrStorageUnavailable)
	}
	s.syncing = true
	queue, err := s.loadQueue(ctx)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.lastSync = time.Now().UTC()
		s.mu.Unlock()
	}()

	if err != nil {
		return 0, err
	}
	if len(queue) == 0 {
		return 0, nil
	}

	groups := make(map[string][]QueuedChange)
	for _, change := range queue {
		if !change.Synced {
			groups[change.CharacterID] = append(groups[change.CharacterID], change)
		}
	}

	synced := make(map[string]bool)
	for characterID, changes := range groups {
		sort.SliceStable(changes, func(i, j int) bool {
			return changes[i].Timestamp.Before(changes[j].Timestamp)
		})
		if err := s.syncGroup(ctx, characterID, changes); err != nil {
			s.logger.Warn().Err(err).Str("character_id", characterID).Int("changes", len(changes)).Msg("sync group failed, changes kept")
			continue
		}
		for _, change := range changes {
			synced[change.ID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadQueue(ctx)
	if err != nil {
		return len(synced), err
	}
	remaining := current[:0]
	for _, change := range current {
		if !synced[change.ID] {
			remaining = append(remaining, change)
		}
	}
	if err := s.saveQueue(ctx, remaining); err != nil {
		return len(synced), err
	}
	return len(synced), nil
}

func (s *Service) syncGroup(ctx context.Context, characterID string, changes []QueuedChange) error {
	rec, err := s.characters.Load(ctx, characterID, changes[0].UserID)
	if err != nil {
		return fmt.Errorf("load for sync: %w", err)
	}
	for _, change := range changes {
		if err := character.ApplyChange(rec, change.ChangeType, change.ChangeData); err != nil {
			return fmt.Errorf("apply queued change %s: %w", change.ID, err)
		}
	}
	if _, err := s.characters.Save(ctx, changes[0].UserID, rec); err != nil {
		return fmt.Errorf("save after sync: %w", err)
	}
	return nil
}

// Status reports pending count, last drain time, and the online and
// in-progress flags.
func (s *Service) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, err := s.loadQueue(ctx)
	if err != nil {
		return Status{}, err
	}
	pending := 0
	for _, change := range queue {
		if !change.Synced {
			pending++
		}
	}
	return Status{
		PendingChanges: pending,
		LastSyncAt:     s.lastSync,
		Online:         s.online,
		Syncing:        s.syncing,
	}, nil
}

// loadQueue and saveQueue expect s.mu held.
func (s *Service) loadQueue(ctx context.Context) ([]QueuedChange, error) {
	raw, ok, err := s.store.Get(ctx, queueKey)
	if err != nil {
		return nil, fmt.Errorf("read sync queue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var queue []QueuedChange
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("decode sync queue: %w", err)
	}
	return queue, nil
}

func (s *Service) saveQueue(ctx context.Context, queue []QueuedChange) error {
	b, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode sync queue: %w", err)
	}
	if err := s.store.Set(ctx, queueKey, string(b)); err != nil {
		return fmt.Errorf("write sync queue: %w", err)
	}
	return nil
}
