package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vtt-server/internal/domain/character"
	"vtt-server/internal/platform/localstore"
)

// Repository is the snapshot store contract, implemented once against
// the remote document store and once against the local key-value store.
// List returns snapshots newest-first; limit 0 means all.
type Repository interface {
	Insert(ctx context.Context, snap Snapshot) error
	List(ctx context.Context, characterID string, owner uuid.UUID, limit int) ([]Snapshot, error)
	Get(ctx context.Context, backupID string) (*Snapshot, error)
	Delete(ctx context.Context, backupID string) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", character.ErrStorageUnavailable, op, err)
}

func (r *postgresRepository) Insert(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("marshal snapshot data: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
INSERT INTO character_backups (id, character_id, owner_user_id, reason, version_label, data, size_bytes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, snap.ID, snap.CharacterID, snap.OwnerUserID, snap.Reason, snap.VersionLabel, data, snap.SizeBytes, snap.CreatedAt); err != nil {
		return storageErr("insert backup", err)
	}
	return nil
}

func (r *postgresRepository) List(ctx context.Context, characterID string, owner uuid.UUID, limit int) ([]Snapshot, error) {
	q := `
SELECT id, character_id, owner_user_id, reason, version_label, data, size_bytes, created_at
FROM character_backups
WHERE character_id = $1 AND owner_user_id = $2
ORDER BY created_at DESC`
	args := []any{characterID, owner}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query backups", err)
	}
	defer rows.Close()

	out := make([]Snapshot, 0)
	for rows.Next() {
		var snap Snapshot
		var data []byte
		if err := rows.Scan(&snap.ID, &snap.CharacterID, &snap.OwnerUserID, &snap.Reason, &snap.VersionLabel, &data, &snap.SizeBytes, &snap.CreatedAt); err != nil {
			return nil, storageErr("scan backup", err)
		}
		if err := json.Unmarshal(data, &snap.Data); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot data: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate backups", err)
	}
	return out, nil
}

func (r *postgresRepository) Get(ctx context.Context, backupID string) (*Snapshot, error) {
	var snap Snapshot
	var data []byte
	err := r.db.QueryRow(ctx, `
SELECT id, character_id, owner_user_id, reason, version_label, data, size_bytes, created_at
FROM character_backups WHERE id = $1
`, backupID).Scan(&snap.ID, &snap.CharacterID, &snap.OwnerUserID, &snap.Reason, &snap.VersionLabel, &data, &snap.SizeBytes, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("query backup", err)
	}
	if err := json.Unmarshal(data, &snap.Data); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot data: %w", err)
	}
	return &snap, nil
}

func (r *postgresRepository) Delete(ctx context.Context, backupID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM character_backups WHERE id = $1`, backupID); err != nil {
		return storageErr("delete backup", err)
	}
	return nil
}

// localRepository keeps snapshots in the local key-value store, one
// JSON-encoded list per character. It carries the same rotation limit as
// the remote store, computed over local snapshots only.
type localRepository struct {
	store localstore.Store
}

func NewLocalRepository(store localstore.Store) Repository {
	return &localRepository{store: store}
}

func localKey(characterID string) string {
	return localstore.KeyPrefix + "backups:" + characterID
}

func (r *localRepository) load(ctx context.Context, characterID string) ([]Snapshot, error) {
	raw, ok, err := r.store.Get(ctx, localKey(characterID))
	if err != nil {
		return nil, fmt.Errorf("read local backups: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var snaps []Snapshot
	if err := json.Unmarshal([]byte(raw), &snaps); err != nil {
		return nil, fmt.Errorf("decode local backups: %w", err)
	}
	return snaps, nil
}

func (r *localRepository) persist(ctx context.Context, characterID string, snaps []Snapshot) error {
	b, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encode local backups: %w", err)
	}
	if err := r.store.Set(ctx, localKey(characterID), string(b)); err != nil {
		return fmt.Errorf("write local backups: %w", err)
	}
	return nil
}

func (r *localRepository) Insert(ctx context.Context, snap Snapshot) error {
	snaps, err := r.load(ctx, snap.CharacterID)
	if err != nil {
		return err
	}
	snap.IsLocal = true
	snaps = append(snaps, snap)
	return r.persist(ctx, snap.CharacterID, snaps)
}

func (r *localRepository) List(ctx context.Context, characterID string, owner uuid.UUID, limit int) ([]Snapshot, error) {
	snaps, err := r.load(ctx, characterID)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if snap.OwnerUserID == owner {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *localRepository) Get(ctx context.Context, backupID string) (*Snapshot, error) {
	keys, err := r.store.Keys(ctx, localstore.KeyPrefix+"backups:")
	if err != nil {
		return nil, fmt.Errorf("list local backup keys: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var snaps []Snapshot
		if err := json.Unmarshal([]byte(raw), &snaps); err != nil {
			continue
		}
		for i := range snaps {
			if snaps[i].ID == backupID {
				return &snaps[i], nil
			}
		}
	}
	return nil, nil
}

func (r *localRepository) Delete(ctx context.Context, backupID string) error {
	snap, err := r.Get(ctx, backupID)
	if err != nil || snap == nil {
		return err
	}
	snaps, err := r.load(ctx, snap.CharacterID)
	if err != nil {
		return err
	}
	kept := snaps[:0]
	for _, s := range snaps {
		if s.ID != backupID {
			kept = append(kept, s)
		}
	}
	return r.persist(ctx, snap.CharacterID, kept)
}
