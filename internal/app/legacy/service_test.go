package legacy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	charapp "vtt-server/internal/app/character"
	"vtt-server/internal/platform/localstore"
)

func newTestStack() (*Service, *charapp.Service, *localstore.Memory) {
	chars := charapp.NewService(zerolog.Nop(), charapp.NewMemoryRepository(), nil, nil, 0, nil)
	store := localstore.NewMemory()
	svc := NewService(zerolog.Nop(), store, chars)
	return svc, chars, store
}

func seedLegacy(t *testing.T, store *localstore.Memory, records []map[string]any) {
	t.Helper()
	b, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal legacy records: %v", err)
	}
	if err := store.Set(context.Background(), legacyKey, string(b)); err != nil {
		t.Fatalf("seed legacy records: %v", err)
	}
}

func legacyRecord(id, name string) map[string]any {
	return map[string]any{
		"id":            id,
		"characterName": name,
		"race":          "dwarf",
		"class":         "cleric",
		"level":         float64(4),
		"exp":           float64(2700),
		"str":           float64(14),
		"currentHealth": float64(28),
		"maxHealth":     float64(34),
		"gold":          float64(12),
		"items": []any{
			map[string]any{"id": "itm-hammer", "name": "hammer"},
		},
		"backstory": "left the mountain",
	}
}

func TestMapLegacyFieldMapping(t *testing.T) {
	rec := mapLegacy(legacyRecord("old-1", "Durn"))

	if rec.ID != "old-1" || rec.Name != "Durn" {
		t.Fatalf("expected identity mapped, got id=%q name=%q", rec.ID, rec.Name)
	}
	if rec.Experience != 2700 {
		t.Fatalf("expected exp alias mapped, got %d", rec.Experience)
	}
	if rec.Stats.Strength != 14 {
		t.Fatalf("expected str alias mapped, got %d", rec.Stats.Strength)
	}
	if rec.Resources.Health.Current != 28 || rec.Resources.Health.Max != 34 {
		t.Fatalf("expected health mapped, got %+v", rec.Resources.Health)
	}
	if rec.Inventory.Currency.Gold != 12 {
		t.Fatalf("expected gold mapped, got %d", rec.Inventory.Currency.Gold)
	}
	if len(rec.Inventory.Items) != 1 || rec.Inventory.Items[0].ID() != "itm-hammer" {
		t.Fatalf("expected items mapped, got %v", rec.Inventory.Items)
	}
	if rec.Lore["backstory"] == "" {
		t.Fatalf("expected backstory mapped to lore")
	}
	// Unset fields stay zero; the transform fills defaults at create.
	if rec.Stats.Wisdom != 0 {
		t.Fatalf("expected unset stat left at zero, got %d", rec.Stats.Wisdom)
	}
}

func TestMigrateAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, chars, store := newTestStack()
	owner := uuid.New()
	seedLegacy(t, store, []map[string]any{
		legacyRecord("old-1", "Durn"),
		legacyRecord("old-2", "Vala"),
	})

	needed, err := svc.IsMigrationNeeded(ctx)
	if err != nil || !needed {
		t.Fatalf("expected migration needed, got needed=%v err=%v", needed, err)
	}

	summary, err := svc.MigrateAllCharacters(ctx, owner)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if summary.Migrated != 2 || summary.Failed != 0 {
		t.Fatalf("expected 2 migrated, got %+v", summary)
	}

	recs, err := chars.LoadAllForUser(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 characters after migration, got %d", len(recs))
	}

	// Second run touches nothing.
	summary, err = svc.MigrateAllCharacters(ctx, owner)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if summary.Migrated != 0 || summary.Skipped != 2 {
		t.Fatalf("expected all skipped on rerun, got %+v", summary)
	}
	recs, _ = chars.LoadAllForUser(ctx, owner)
	if len(recs) != 2 {
		t.Fatalf("expected no duplicates, got %d", len(recs))
	}

	needed, err = svc.IsMigrationNeeded(ctx)
	if err != nil || needed {
		t.Fatalf("expected migration complete, got needed=%v err=%v", needed, err)
	}
}

func TestMigrateAllAssignsMissingIDs(t *testing.T) {
	ctx := context.Background()
	svc, chars, store := newTestStack()
	owner := uuid.New()
	seedLegacy(t, store, []map[string]any{
		legacyRecord("", "Nameless"),
		legacyRecord("old-2", "Durn"),
	})

	summary, err := svc.MigrateAllCharacters(ctx, owner)
	if err != nil {
		t.Fatalf("migrate all: %v", err)
	}
	if summary.Migrated != 2 || summary.Failed != 0 {
		t.Fatalf("expected both migrated, got %+v", summary)
	}

	// The assigned id is persisted into the legacy list, so a rerun
	// skips instead of duplicating.
	records, err := svc.LegacyRecords(ctx)
	if err != nil {
		t.Fatalf("legacy records: %v", err)
	}
	for _, rec := range records {
		if rec["id"] == "" || rec["id"] == nil {
			t.Fatalf("expected every legacy record to carry an id, got %+v", rec)
		}
	}
	summary, err = svc.MigrateAllCharacters(ctx, owner)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Migrated != 0 || summary.Skipped != 2 {
		t.Fatalf("expected rerun to skip both, got %+v", summary)
	}
	if owned, err := chars.LoadAllForUser(ctx, owner); err != nil || len(owned) != 2 {
		t.Fatalf("expected 2 owned characters, got %d (%v)", len(owned), err)
	}

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Pending != 0 || status.Migrated != 2 || status.Needed {
		t.Fatalf("expected nothing pending, got %+v", status)
	}
	if done, err := svc.CleanupAfterMigration(ctx); err != nil || !done {
		t.Fatalf("expected cleanup to run, got done=%v err=%v", done, err)
	}
}

func TestFailedMigrationIsRetried(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestStack()
	owner := uuid.New()

	bad := legacyRecord("old-1", "Durn")
	bad["str"] = float64(99) // out of bounds, rejected at create
	seedLegacy(t, store, []map[string]any{bad})

	summary, err := svc.MigrateAllCharacters(ctx, owner)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if summary.Failed != 1 || summary.Migrated != 0 {
		t.Fatalf("expected failure recorded, got %+v", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].CharacterID != "old-1" {
		t.Fatalf("expected failure entry for old-1, got %+v", summary.Failures)
	}

	// Cleanup refuses while anything failed.
	cleaned, err := svc.CleanupAfterMigration(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleaned {
		t.Fatalf("expected cleanup refused with failed migrations")
	}

	// Fix the record and retry.
	seedLegacy(t, store, []map[string]any{legacyRecord("old-1", "Durn")})
	summary, err = svc.MigrateAllCharacters(ctx, owner)
	if err != nil {
		t.Fatalf("retry migrate: %v", err)
	}
	if summary.Migrated != 1 || summary.Failed != 0 {
		t.Fatalf("expected retry to succeed, got %+v", summary)
	}
	if len(summary.Failures) != 0 {
		t.Fatalf("expected failure entry cleared on success, got %+v", summary.Failures)
	}
}

func TestCleanupAfterMigration(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestStack()
	owner := uuid.New()
	seedLegacy(t, store, []map[string]any{legacyRecord("old-1", "Durn")})

	// Pending records block cleanup.
	cleaned, err := svc.CleanupAfterMigration(ctx)
	if err != nil || cleaned {
		t.Fatalf("expected cleanup refused while pending, got cleaned=%v err=%v", cleaned, err)
	}

	if _, err := svc.MigrateAllCharacters(ctx, owner); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleaned, err = svc.CleanupAfterMigration(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !cleaned {
		t.Fatalf("expected cleanup to run")
	}

	if _, ok, _ := store.Get(ctx, legacyKey); ok {
		t.Fatalf("expected legacy records deleted")
	}
	keys, err := store.Keys(ctx, legacyBackupPrefix)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one final whole-list backup, got %v", keys)
	}

	// A second cleanup finds nothing to do.
	cleaned, err = svc.CleanupAfterMigration(ctx)
	if err != nil || cleaned {
		t.Fatalf("expected idempotent cleanup, got cleaned=%v err=%v", cleaned, err)
	}
}

func TestBackupAndRestoreLegacy(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestStack()
	seedLegacy(t, store, []map[string]any{legacyRecord("old-1", "Durn")})

	key, err := svc.BackupLegacy(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasPrefix(key, legacyBackupPrefix) {
		t.Fatalf("expected namespaced backup key, got %q", key)
	}

	if err := store.Delete(ctx, legacyKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.RestoreLegacy(ctx, key); err != nil {
		t.Fatalf("restore: %v", err)
	}

	records, err := svc.LegacyRecords(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 || records[0]["id"] != "old-1" {
		t.Fatalf("expected restored legacy list, got %v", records)
	}
}
