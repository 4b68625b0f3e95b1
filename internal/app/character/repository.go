package character

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vtt-server/internal/domain/character"
)

// Repository is the remote document-store contract for character
// records. Get returns (nil, nil) when the id has no record; soft-deleted
// records are still returned by Get but excluded from ListByOwner.
type Repository interface {
	// Insert writes a new record and appends its id to the owner's
	// character-id list atomically.
	Insert(ctx context.Context, s character.Stored) error
	Get(ctx context.Context, id string) (*character.Stored, error)
	// ListByOwner returns non-deleted records, lastPlayedAt descending.
	ListByOwner(ctx context.Context, owner uuid.UUID) ([]character.Stored, error)
	// Update persists s only if the stored version still equals
	// expectedVersion, failing with character.ErrVersionConflict
	// otherwise.
	Update(ctx context.Context, s character.Stored, expectedVersion int) error
	// SoftDelete stamps deletedAt and removes the id from the owner's
	// character-id list; both happen or neither.
	SoftDelete(ctx context.Context, id string, owner uuid.UUID, at time.Time) error
	TouchLastPlayed(ctx context.Context, id string, at time.Time) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

// storageErr folds backend failures into the StorageUnavailable kind so
// callers can treat them uniformly as "offline, will retry".
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", character.ErrStorageUnavailable, op, err)
}

func (r *postgresRepository) Insert(ctx context.Context, s character.Stored) error {
	doc, err := json.Marshal(s.Doc)
	if err != nil {
		return fmt.Errorf("marshal character doc: %w", err)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storageErr("begin insert", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
INSERT INTO characters (id, owner_user_id, name, doc, version, created_at, updated_at, last_played_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, s.ID, s.OwnerUserID, s.Name, doc, s.Version, s.CreatedAt, s.UpdatedAt, s.LastPlayedAt); err != nil {
		return storageErr("insert character", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE user_profiles
SET character_ids = character_ids || to_jsonb($1::text), updated_at = NOW()
WHERE user_id = $2
`, s.ID, s.OwnerUserID); err != nil {
		return storageErr("append character id", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit insert", err)
	}
	return nil
}

func (r *postgresRepository) Get(ctx context.Context, id string) (*character.Stored, error) {
	var s character.Stored
	var doc []byte
	err := r.db.QueryRow(ctx, `
SELECT id, owner_user_id, name, doc, version, created_at, updated_at, last_played_at, deleted_at
FROM characters WHERE id = $1
`, id).Scan(&s.ID, &s.OwnerUserID, &s.Name, &doc, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.LastPlayedAt, &s.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("query character", err)
	}
	if err := json.Unmarshal(doc, &s.Doc); err != nil {
		return nil, fmt.Errorf("unmarshal character doc: %w", err)
	}
	return &s, nil
}

func (r *postgresRepository) ListByOwner(ctx context.Context, owner uuid.UUID) ([]character.Stored, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, owner_user_id, name, doc, version, created_at, updated_at, last_played_at, deleted_at
FROM characters
WHERE owner_user_id = $1 AND deleted_at IS NULL
ORDER BY last_played_at DESC
`, owner)
	if err != nil {
		return nil, storageErr("query characters", err)
	}
	defer rows.Close()

	out := make([]character.Stored, 0)
	for rows.Next() {
		var s character.Stored
		var doc []byte
		if err := rows.Scan(&s.ID, &s.OwnerUserID, &s.Name, &doc, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.LastPlayedAt, &s.DeletedAt); err != nil {
			return nil, storageErr("scan character", err)
		}
		if err := json.Unmarshal(doc, &s.Doc); err != nil {
			return nil, fmt.Errorf("unmarshal character doc: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate characters", err)
	}
	return out, nil
}

func (r *postgresRepository) Update(ctx context.Context, s character.Stored, expectedVersion int) error {
	doc, err := json.Marshal(s.Doc)
	if err != nil {
		return fmt.Errorf("marshal character doc: %w", err)
	}
	res, err := r.db.Exec(ctx, `
UPDATE characters
SET name = $1, doc = $2, version = $3, updated_at = $4, last_played_at = $5, deleted_at = $6
WHERE id = $7 AND version = $8
`, s.Name, doc, s.Version, s.UpdatedAt, s.LastPlayedAt, s.DeletedAt, s.ID, expectedVersion)
	if err != nil {
		return storageErr("update character", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: character %s expected version %d", character.ErrVersionConflict, s.ID, expectedVersion)
	}
	return nil
}

func (r *postgresRepository) SoftDelete(ctx context.Context, id string, owner uuid.UUID, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storageErr("begin delete", err)
	}
	defer tx.Rollback(ctx)
	res, err := tx.Exec(ctx, `
UPDATE characters SET deleted_at = $1, updated_at = $1
WHERE id = $2 AND owner_user_id = $3 AND deleted_at IS NULL
`, at, id, owner)
	if err != nil {
		return storageErr("soft delete character", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: character %s", character.ErrNotFound, id)
	}
	if _, err := tx.Exec(ctx, `
UPDATE user_profiles
SET character_ids = character_ids - $1, updated_at = NOW()
WHERE user_id = $2
`, id, owner); err != nil {
		return storageErr("remove character id", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit delete", err)
	}
	return nil
}

func (r *postgresRepository) TouchLastPlayed(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE characters SET last_played_at = $1 WHERE id = $2`, at, id); err != nil {
		return storageErr("touch last played", err)
	}
	return nil
}
