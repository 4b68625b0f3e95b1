// Package legacy migrates character records out of the old local-only
// storage format into the normalized store, tracked by an idempotency
// ledger so records are migrated exactly once.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vtt-server/internal/domain/character"
	"vtt-server/internal/platform/localstore"
)

// SchemaVersion is the ledger version the current storage shape expects.
const SchemaVersion = "2.0"

const (
	legacyKey          = localstore.KeyPrefix + "legacy_characters"
	ledgerKey          = localstore.KeyPrefix + "migration_ledger"
	legacyBackupPrefix = localstore.KeyPrefix + "legacy_backup:"
)

type FailedMigration struct {
	CharacterID   string    `json:"characterId"`
	CharacterName string    `json:"characterName"`
	Error         string    `json:"error"`
	Timestamp     time.Time `json:"timestamp"`
}

// Ledger tracks which legacy ids have been migrated. It is read at
// startup to decide whether migration work remains and written after
// every attempt.
type Ledger struct {
	Version            string            `json:"version"`
	MigratedCharacters []string          `json:"migratedCharacters"`
	FailedMigrations   []FailedMigration `json:"failedMigrations"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func (l Ledger) migrated(id string) bool {
	for _, m := range l.MigratedCharacters {
		if m == id {
			return true
		}
	}
	return false
}

// Summary is the aggregate result of one migration run.
type Summary struct {
	Total    int               `json:"total"`
	Migrated int               `json:"migrated"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Failures []FailedMigration `json:"failures,omitempty"`
}

type CharacterCreator interface {
	Create(ctx context.Context, userID uuid.UUID, rec *character.Record) (*character.Record, error)
}

type Service struct {
	logger     zerolog.Logger
	store      localstore.Store
	characters CharacterCreator
	now        func() time.Time
}

func NewService(logger zerolog.Logger, store localstore.Store, characters CharacterCreator) *Service {
	return &Service{
		logger:     logger,
		store:      store,
		characters: characters,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// LegacyRecords returns the raw legacy character list, or nil when none
// is stored.
func (s *Service) LegacyRecords(ctx context.Context) ([]map[string]any, error) {
	raw, ok, err := s.store.Get(ctx, legacyKey)
	if err != nil {
		return nil, fmt.Errorf("read legacy characters: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var records []map[string]any
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decode legacy characters: %w", err)
	}
	return records, nil
}

func (s *Service) saveLegacyRecords(ctx context.Context, records []map[string]any) error {
	b, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode legacy characters: %w", err)
	}
	if err := s.store.Set(ctx, legacyKey, string(b)); err != nil {
		return fmt.Errorf("write legacy characters: %w", err)
	}
	return nil
}

// IsMigrationNeeded reports whether any legacy record is still missing
// from the ledger, or the ledger was written by a different schema
// version.
func (s *Service) IsMigrationNeeded(ctx context.Context) (bool, error) {
	records, err := s.LegacyRecords(ctx)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return false, err
	}
	if ledger.Version != SchemaVersion {
		return true, nil
	}
	for _, rec := range records {
		// Records without an id are assigned one by the next run.
		if id := asString(rec["id"]); id == "" || !ledger.migrated(id) {
			return true, nil
		}
	}
	return false, nil
}

// MigrateCharacter maps one legacy record into the normalized shape and
// creates it through the persistence store. Success appends the legacy
// id to the ledger; failure appends a failed-migrations entry and leaves
// the id unmigrated so the next run retries it.
func (s *Service) MigrateCharacter(ctx context.Context, legacy map[string]any, userID uuid.UUID) (*character.Record, error) {
	rec := mapLegacy(legacy)
	if rec.ID == "" {
		// A ledger entry needs a non-empty id to be idempotent on.
		rec.ID = uuid.NewString()
	}
	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return nil, err
	}

	created, createErr := s.characters.Create(ctx, userID, rec)
	if createErr != nil {
		ledger.FailedMigrations = append(ledger.FailedMigrations, FailedMigration{
			CharacterID:   rec.ID,
			CharacterName: rec.Name,
			Error:         createErr.Error(),
			Timestamp:     s.now(),
		})
		ledger.UpdatedAt = s.now()
		if err := s.saveLedger(ctx, ledger); err != nil {
			s.logger.Error().Err(err).Msg("ledger write after failed migration")
		}
		return nil, fmt.Errorf("migrate character %s: %w", rec.ID, createErr)
	}

	ledger.MigratedCharacters = append(ledger.MigratedCharacters, rec.ID)
	ledger.FailedMigrations = dropFailure(ledger.FailedMigrations, rec.ID)
	ledger.UpdatedAt = s.now()
	if err := s.saveLedger(ctx, ledger); err != nil {
		return nil, fmt.Errorf("record migration of %s: %w", rec.ID, err)
	}
	return created, nil
}

// MigrateAllCharacters migrates every not-yet-migrated legacy record.
// Records missing an id are assigned one first and the legacy list is
// rewritten, so the ledger can track them and a rerun skips them instead
// of duplicating. Records fail independently; the batch continues past
// failures and the ledger's version and timestamp are updated at the
// end regardless of partial failure.
func (s *Service) MigrateAllCharacters(ctx context.Context, userID uuid.UUID) (Summary, error) {
	records, err := s.LegacyRecords(ctx)
	if err != nil {
		return Summary{}, err
	}
	assigned := false
	for _, legacy := range records {
		if asString(legacy["id"]) == "" {
			legacy["id"] = uuid.NewString()
			assigned = true
		}
	}
	if assigned {
		if err := s.saveLegacyRecords(ctx, records); err != nil {
			return Summary{}, err
		}
	}
	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(records)}
	for _, legacy := range records {
		id := asString(legacy["id"])
		if id != "" && ledger.migrated(id) {
			summary.Skipped++
			continue
		}
		if _, err := s.MigrateCharacter(ctx, legacy, userID); err != nil {
			s.logger.Warn().Err(err).Str("legacy_id", id).Msg("legacy character migration failed")
			summary.Failed++
			continue
		}
		summary.Migrated++
	}

	ledger, err = s.loadLedger(ctx)
	if err != nil {
		return summary, err
	}
	summary.Failures = ledger.FailedMigrations
	ledger.Version = SchemaVersion
	ledger.UpdatedAt = s.now()
	if err := s.saveLedger(ctx, ledger); err != nil {
		return summary, fmt.Errorf("finalize migration ledger: %w", err)
	}
	return summary, nil
}

// BackupLegacy snapshots the entire legacy record list under a
// timestamped key, so a bad migration run can be abandoned wholesale.
// Distinct from the per-character backup store.
func (s *Service) BackupLegacy(ctx context.Context) (string, error) {
	raw, ok, err := s.store.Get(ctx, legacyKey)
	if err != nil {
		return "", fmt.Errorf("read legacy characters: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: no legacy characters stored", character.ErrNotFound)
	}
	key := fmt.Sprintf("%s%d", legacyBackupPrefix, s.now().UnixMilli())
	if err := s.store.Set(ctx, key, raw); err != nil {
		return "", fmt.Errorf("write legacy backup: %w", err)
	}
	return key, nil
}

// RestoreLegacy copies a whole-list backup back over the legacy key.
func (s *Service) RestoreLegacy(ctx context.Context, key string) error {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read legacy backup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: legacy backup %s", character.ErrNotFound, key)
	}
	if err := s.store.Set(ctx, legacyKey, raw); err != nil {
		return fmt.Errorf("restore legacy characters: %w", err)
	}
	return nil
}

// CleanupAfterMigration deletes the legacy storage key, but only when
// nothing is pending and nothing failed: it returns false instead of an
// error when the preconditions are unmet. One final whole-list backup is
// taken before the delete.
func (s *Service) CleanupAfterMigration(ctx context.Context) (bool, error) {
	records, err := s.LegacyRecords(ctx)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return false, err
	}
	if len(ledger.FailedMigrations) > 0 {
		return false, nil
	}
	for _, rec := range records {
		if id := asString(rec["id"]); id == "" || !ledger.migrated(id) {
			return false, nil
		}
	}
	if _, err := s.BackupLegacy(ctx); err != nil {
		return false, err
	}
	if err := s.store.Delete(ctx, legacyKey); err != nil {
		return false, fmt.Errorf("delete legacy characters: %w", err)
	}
	return true, nil
}

// MigrationStatus summarizes the ledger for the API layer.
type MigrationStatus struct {
	Total    int               `json:"total"`
	Migrated int               `json:"migrated"`
	Pending  int               `json:"pending"`
	Failed   int               `json:"failed"`
	Needed   bool              `json:"needed"`
	Version  string            `json:"version"`
	Failures []FailedMigration `json:"failures,omitempty"`
}

func (s *Service) Status(ctx context.Context) (MigrationStatus, error) {
	records, err := s.LegacyRecords(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	status := MigrationStatus{
		Total:    len(records),
		Failed:   len(ledger.FailedMigrations),
		Version:  ledger.Version,
		Failures: ledger.FailedMigrations,
	}
	for _, rec := range records {
		if id := asString(rec["id"]); id == "" || !ledger.migrated(id) {
			status.Pending++
		} else {
			status.Migrated++
		}
	}
	status.Needed = status.Pending > 0 || (len(records) > 0 && ledger.Version != SchemaVersion)
	return status, nil
}

func (s *Service) loadLedger(ctx context.Context) (Ledger, error) {
	raw, ok, err := s.store.Get(ctx, ledgerKey)
	if err != nil {
		return Ledger{}, fmt.Errorf("read migration ledger: %w", err)
	}
	if !ok {
		return Ledger{}, nil
	}
	var ledger Ledger
	if err := json.Unmarshal([]byte(raw), &ledger); err != nil {
		return Ledger{}, fmt.Errorf("decode migration ledger: %w", err)
	}
	return ledger, nil
}

func (s *Service) saveLedger(ctx context.Context, ledger Ledger) error {
	b, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("encode migration ledger: %w", err)
	}
	if err := s.store.Set(ctx, ledgerKey, string(b)); err != nil {
		return fmt.Errorf("write migration ledger: %w", err)
	}
	return nil
}

func dropFailure(failures []FailedMigration, characterID string) []FailedMigration {
	kept := failures[:0]
	for _, f := range failures {
		if f.CharacterID != characterID {
			kept = append(kept, f)
		}
	}
	return kept
}
