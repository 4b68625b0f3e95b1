package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"vtt-server/internal/domain/character"
)

// Session statuses.
const (
	StatusActive     = "active"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusForceEnded = "force_ended"
)

// Session is one character's play session. The in-memory copy owned by
// the tracker is authoritative; the remote session document is a mirror.
type Session struct {
	ID          string                    `json:"id"`
	CharacterID string                    `json:"characterId"`
	UserID      uuid.UUID                 `json:"userId"`
	RoomID      string                    `json:"roomId,omitempty"`
	Status      string                    `json:"status"`
	IsLocal     bool                      `json:"isLocal,omitempty"`
	StartedAt   time.Time                 `json:"startedAt"`
	EndedAt     *time.Time                `json:"endedAt,omitempty"`
	Changes     *character.SessionChanges `json:"changes"`

	// QueuedIDs tracks offline-queue entries recorded for this session,
	// removed from the queue once the end-of-session replay lands. Never
	// mirrored.
	QueuedIDs []string `json:"-"`
}

// Repository mirrors session documents to the remote store. The tracker
// tolerates a nil repository and a failing one; mirroring is
// best-effort.
type Repository interface {
	Insert(ctx context.Context, sess Session) error
	UpdateChanges(ctx context.Context, sessionID string, changes character.SessionChanges) error
	SetStatus(ctx context.Context, sessionID, status string, endedAt *time.Time) error
	// ForceEndActive marks every active remote session for the character
	// force_ended.
	ForceEndActive(ctx context.Context, characterID string, endedAt time.Time) error
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

func (r *postgresRepository) Insert(ctx context.Context, sess Session) error {
	changes, err := json.Marshal(sess.Changes)
	if err != nil {
		return fmt.Errorf("marshal session changes: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
INSERT INTO character_sessions (id, character_id, user_id, room_id, status, changes, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, sess.ID, sess.CharacterID, sess.UserID, nullable(sess.RoomID), sess.Status, changes, sess.StartedAt); err != nil {
		return storageErr("insert session", err)
	}
	return nil
}

func (r *postgresRepository) UpdateChanges(ctx context.Context, sessionID string, changes character.SessionChanges) error {
	b, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal session changes: %w", err)
	}
	if _, err := r.db.Exec(ctx, `UPDATE character_sessions SET changes = $1 WHERE id = $2`, b, sessionID); err != nil {
		return storageErr("update session changes", err)
	}
	return nil
}

func (r *postgresRepository) SetStatus(ctx context.Context, sessionID, status string, endedAt *time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE character_sessions SET status = $1, ended_at = $2 WHERE id = $3`, status, endedAt, sessionID); err != nil {
		return storageErr("update session status", err)
	}
	return nil
}

func (r *postgresRepository) ForceEndActive(ctx context.Context, characterID string, endedAt time.Time) error {
	if _, err := r.db.Exec(ctx, `
UPDATE character_sessions SET status = $1, ended_at = $2
WHERE character_id = $3 AND status = $4
`, StatusForceEnded, endedAt, characterID, StatusActive); err != nil {
		return storageErr("force end sessions", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
