package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	charapp "vtt-server/internal/app/character"
	"vtt-server/internal/domain/character"
)

type captureQueue struct {
	calls   []string
	ids     []string
	dropped []string
}

func (q *captureQueue) QueueChange(_ context.Context, characterID string, _ uuid.UUID, changeType string, _ map[string]any) (string, error) {
	id := uuid.NewString()
	q.calls = append(q.calls, characterID+":"+changeType)
	q.ids = append(q.ids, id)
	return id, nil
}

func (q *captureQueue) DropChanges(_ context.Context, ids []string) error {
	q.dropped = append(q.dropped, ids...)
	return nil
}

// mirrorRepo captures the change set handed to the remote mirror.
type mirrorRepo struct {
	last character.SessionChanges
}

func (m *mirrorRepo) Insert(context.Context, Session) error { return nil }

func (m *mirrorRepo) UpdateChanges(_ context.Context, _ string, changes character.SessionChanges) error {
	m.last = changes
	return nil
}

func (m *mirrorRepo) SetStatus(context.Context, string, string, *time.Time) error { return nil }

func (m *mirrorRepo) ForceEndActive(context.Context, string, time.Time) error { return nil }

type failingSaveStore struct {
	inner CharacterStore
}

func (f failingSaveStore) Load(ctx context.Context, characterID string, userID uuid.UUID) (*character.Record, error) {
	return f.inner.Load(ctx, characterID, userID)
}

func (f failingSaveStore) Save(context.Context, uuid.UUID, *character.Record) (*character.Record, error) {
	return nil, errors.New("save rejected")
}

func newTestStack() (*Service, *charapp.Service, *captureQueue) {
	chars := charapp.NewService(zerolog.Nop(), charapp.NewMemoryRepository(), nil, nil, 0, nil)
	queue := &captureQueue{}
	svc := NewService(zerolog.Nop(), nil, chars, queue, nil)
	return svc, chars, queue
}

func mustCreate(t *testing.T, chars *charapp.Service, owner uuid.UUID) *character.Record {
	t.Helper()
	rec, err := chars.Create(context.Background(), owner, &character.Record{
		Name: "Bran", Race: "human", Class: "fighter",
		Inventory: character.Inventory{
			Items:    []character.Item{{"id": "itm-sword", "name": "sword"}},
			Currency: character.Currency{Gold: 10},
		},
	})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	return rec
}

func TestStartSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, chars, _ := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	first, err := svc.StartSession(ctx, rec.ID, owner, "room-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := svc.StartSession(ctx, rec.ID, owner, "room-2")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first != second {
		t.Fatalf("expected the existing session id, got %s and %s", first, second)
	}
}

func TestRecordChangeWithoutSession(t *testing.T) {
	ctx := context.Background()
	svc, _, queue := newTestStack()

	recorded, err := svc.RecordChange(ctx, "char-x", uuid.New(), character.ChangeExperienceGain, map[string]any{"amount": 10})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if recorded {
		t.Fatalf("expected change dropped without an active session")
	}
	if len(queue.calls) != 0 {
		t.Fatalf("expected nothing queued, got %v", queue.calls)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, chars, _ := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	if _, err := svc.StartSession(ctx, rec.ID, owner, "room-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	changes := []struct {
		changeType string
		data       map[string]any
	}{
		{character.ChangeCurrencyGain, map[string]any{"gold": 5}},
		{character.ChangeCurrencySpend, map[string]any{"gold": 20}},
		{character.ChangeInventoryAdd, map[string]any{"item": map[string]any{"id": "itm-potion", "name": "potion"}}},
		{character.ChangeExperienceGain, map[string]any{"amount": 120}},
	}
	for _, c := range changes {
		recorded, err := svc.RecordChange(ctx, rec.ID, owner, c.changeType, c.data)
		if err != nil {
			t.Fatalf("record %s: %v", c.changeType, err)
		}
		if !recorded {
			t.Fatalf("expected %s recorded", c.changeType)
		}
	}

	saved, err := svc.EndSession(ctx, rec.ID, owner)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	// 10 + 5 - 20 clamps at zero.
	if saved.Inventory.Currency.Gold != 0 {
		t.Fatalf("expected gold clamped to 0, got %d", saved.Inventory.Currency.Gold)
	}
	if len(saved.Inventory.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(saved.Inventory.Items))
	}
	if saved.Experience != 120 {
		t.Fatalf("expected 120 experience, got %d", saved.Experience)
	}
	if saved.Version != rec.Version+1 {
		t.Fatalf("expected version %d, got %d", rec.Version+1, saved.Version)
	}
	if _, active := svc.ActiveSession(rec.ID); active {
		t.Fatalf("expected session discarded after end")
	}
}

func TestEndSessionFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	chars := charapp.NewService(zerolog.Nop(), charapp.NewMemoryRepository(), nil, nil, 0, nil)
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	svc := NewService(zerolog.Nop(), nil, failingSaveStore{inner: chars}, nil, nil)
	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.RecordChange(ctx, rec.ID, owner, character.ChangeExperienceGain, map[string]any{"amount": 10}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := svc.EndSession(ctx, rec.ID, owner); err == nil {
		t.Fatalf("expected end to fail")
	}
	sess, active := svc.ActiveSession(rec.ID)
	if !active {
		t.Fatalf("expected failed session kept for retry")
	}
	if sess.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", sess.Status)
	}
}

func TestEndSessionOwnership(t *testing.T) {
	ctx := context.Background()
	svc, chars, _ := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.EndSession(ctx, rec.ID, uuid.New()); !errors.Is(err, character.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestLocalSessionChangesAreQueued(t *testing.T) {
	ctx := context.Background()
	svc, chars, queue := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	// No remote session repository: the session is local and every
	// change is handed to the offline queue as well.
	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.RecordChange(ctx, rec.ID, owner, character.ChangeExperienceGain, map[string]any{"amount": 10}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(queue.calls) != 1 {
		t.Fatalf("expected one queued change, got %v", queue.calls)
	}
}

func TestStartSessionForeignUserDenied(t *testing.T) {
	ctx := context.Background()
	svc, chars, _ := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	if _, err := svc.StartSession(ctx, rec.ID, uuid.New(), "room-1"); !errors.Is(err, character.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign user, got %v", err)
	}
	if _, active := svc.ActiveSession(rec.ID); active {
		t.Fatalf("expected no session allocated for the foreign user")
	}
	if _, err := svc.StartSession(ctx, "char-missing", owner, "room-1"); !errors.Is(err, character.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing character, got %v", err)
	}

	// The owner's own session lifecycle is untouched by the denied start.
	if _, err := svc.StartSession(ctx, rec.ID, owner, "room-1"); err != nil {
		t.Fatalf("owner start: %v", err)
	}
	if _, err := svc.EndSession(ctx, rec.ID, owner); err != nil {
		t.Fatalf("owner end: %v", err)
	}
}

func TestRecordChangeForeignUserDenied(t *testing.T) {
	ctx := context.Background()
	svc, chars, queue := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.RecordChange(ctx, rec.ID, uuid.New(), character.ChangeExperienceGain, map[string]any{"amount": 99}); !errors.Is(err, character.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(queue.calls) != 0 {
		t.Fatalf("expected nothing queued, got %v", queue.calls)
	}
	sess, _ := svc.ActiveSession(rec.ID)
	if sess.Changes.ExperienceGained != 0 {
		t.Fatalf("expected denied change not captured, got %d experience", sess.Changes.ExperienceGained)
	}
}

func TestMirrorSnapshotNotAliased(t *testing.T) {
	ctx := context.Background()
	chars := charapp.NewService(zerolog.Nop(), charapp.NewMemoryRepository(), nil, nil, 0, nil)
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	repo := &mirrorRepo{}
	svc := NewService(zerolog.Nop(), repo, chars, nil, nil)
	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.RecordChange(ctx, rec.ID, owner, character.ChangeResource, map[string]any{"resource": "health", "current": 5}); err != nil {
		t.Fatalf("record: %v", err)
	}
	snap := repo.last

	// A later change must not reach into the snapshot already mirrored.
	if _, err := svc.RecordChange(ctx, rec.ID, owner, character.ChangeResource, map[string]any{"resource": "health", "current": 9}); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if got := snap.Resources["health"].Current; got != 5 {
		t.Fatalf("expected mirrored snapshot untouched at 5, got %d", got)
	}
	if got := repo.last.Resources["health"].Current; got != 9 {
		t.Fatalf("expected latest mirror at 9, got %d", got)
	}
}

func TestEndSessionDropsReplayedQueueEntries(t *testing.T) {
	ctx := context.Background()
	svc, chars, queue := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	// Local session: every change is duplicated into the offline queue.
	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.RecordChange(ctx, rec.ID, owner, character.ChangeExperienceGain, map[string]any{"amount": 10}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := svc.RecordChange(ctx, rec.ID, owner, character.ChangeCurrencyGain, map[string]any{"gold": 3}); err != nil {
		t.Fatalf("record: %v", err)
	}

	saved, err := svc.EndSession(ctx, rec.ID, owner)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if saved.Experience != 10 {
		t.Fatalf("expected replay applied once, got %d experience", saved.Experience)
	}
	if len(queue.dropped) != 2 {
		t.Fatalf("expected 2 queue entries dropped, got %d", len(queue.dropped))
	}
	for i, id := range queue.ids {
		if queue.dropped[i] != id {
			t.Fatalf("expected queued id %s dropped, got %s", id, queue.dropped[i])
		}
	}
}

func TestForceEndAllSessions(t *testing.T) {
	ctx := context.Background()
	svc, chars, _ := newTestStack()
	owner := uuid.New()
	rec := mustCreate(t, chars, owner)

	if _, err := svc.StartSession(ctx, rec.ID, owner, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.ForceEndAllSessions(ctx, rec.ID, uuid.New()); !errors.Is(err, character.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign user, got %v", err)
	}
	if _, active := svc.ActiveSession(rec.ID); !active {
		t.Fatalf("expected session kept after denied force end")
	}

	if err := svc.ForceEndAllSessions(ctx, rec.ID, owner); err != nil {
		t.Fatalf("force end: %v", err)
	}
	if _, active := svc.ActiveSession(rec.ID); active {
		t.Fatalf("expected session dropped after force end")
	}
}
