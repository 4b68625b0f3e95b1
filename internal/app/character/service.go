package character

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vtt-server/internal/domain/character"
	"vtt-server/internal/platform/mq"
)

// Authenticator is the identity collaborator: it confirms the calling
// user is still a valid signed-in identity before any list query.
type Authenticator interface {
	VerifySession(ctx context.Context, userID uuid.UUID) error
}

// AutoBackupHook is invoked after each successful save with the record
// state before and after. The hook is best-effort: it must never fail
// the save it piggybacks on, so it returns nothing.
type AutoBackupHook func(ctx context.Context, userID uuid.UUID, prev, next *character.Record)

// Service is the persistence store for character records: ownership-
// checked CRUD over the remote repository, with a redis cache of each
// user's character list and lifecycle events on the message queue.
type Service struct {
	logger     zerolog.Logger
	repo       Repository
	auth       Authenticator
	cache      *redis.Client
	cacheTTL   time.Duration
	pub        mq.Publisher
	autoBackup AutoBackupHook
}

func NewService(logger zerolog.Logger, repo Repository, auth Authenticator, cache *redis.Client, cacheTTL time.Duration, pub mq.Publisher) *Service {
	return &Service{logger: logger, repo: repo, auth: auth, cache: cache, cacheTTL: cacheTTL, pub: pub}
}

// SetAutoBackup wires the backup policy after both services exist; the
// backup store loads and saves through this service, so the hook cannot
// be a constructor argument.
func (s *Service) SetAutoBackup(hook AutoBackupHook) {
	s.autoBackup = hook
}

// Create validates the record, assigns an id when absent, transforms it
// to the storage shape at version 1, and writes it together with the
// owner's character-id list entry.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, rec *character.Record) (*character.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: missing record", character.ErrValidation)
	}
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user id", character.ErrValidation)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: character store not configured", character.ErrStorageUnavailable)
	}

	r := rec.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Version = 0 // ToStored increments to 1
	stored := character.ToStored(r, userID, time.Now().UTC())
	if err := s.repo.Insert(ctx, stored); err != nil {
		return nil, fmt.Errorf("create character: %w", err)
	}

	s.invalidateList(ctx, userID)
	s.publish(ctx, mq.SubjectCharacterCreated, map[string]any{"character_id": stored.ID, "user_id": userID})
	return character.FromStored(&stored), nil
}

// Load fetches a record by id, verifies ownership, and refreshes
// lastPlayedAt as a side effect. Soft-deleted records are still
// reachable by direct id.
func (s *Service) Load(ctx context.Context, characterID string, userID uuid.UUID) (*character.Record, error) {
	if characterID == "" {
		return nil, fmt.Errorf("%w: missing character id", character.ErrValidation)
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: character store not configured", character.ErrStorageUnavailable)
	}
	stored, err := s.repo.Get(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("load character: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: character %s", character.ErrNotFound, characterID)
	}
	if stored.OwnerUserID != userID {
		return nil, fmt.Errorf("%w: character %s", character.ErrAccessDenied, characterID)
	}

	now := time.Now().UTC()
	if err := s.repo.TouchLastPlayed(ctx, characterID, now); err != nil {
		s.logger.Warn().Err(err).Str("character_id", characterID).Msg("refresh last played failed")
	} else {
		stored.LastPlayedAt = now
	}
	return character.FromStored(stored), nil
}

// LoadAllForUser returns the user's non-deleted records, most recently
// played first. The caller's identity is verified first so a stale or
// absent session surfaces as ErrNotAuthenticated, distinct from a
// storage failure.
func (s *Service) LoadAllForUser(ctx context.Context, userID uuid.UUID) ([]character.Record, error) {
	if s.auth != nil {
		if err := s.auth.VerifySession(ctx, userID); err != nil {
			return nil, err
		}
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: character store not configured", character.ErrStorageUnavailable)
	}

	key := s.listCacheKey(userID)
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key).Result()
		if err == nil {
			var recs []character.Record
			if uErr := json.Unmarshal([]byte(cached), &recs); uErr == nil {
				return recs, nil
			}
		}
	}

	storeds, err := s.repo.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	recs := make([]character.Record, 0, len(storeds))
	for i := range storeds {
		recs = append(recs, *character.FromStored(&storeds[i]))
	}

	if s.cache != nil {
		if b, err := json.Marshal(recs); err == nil {
			_ = s.cache.Set(ctx, key, b, s.cacheTTL).Err()
		}
	}
	return recs, nil
}

// Save re-validates and persists an updated record. The write is
// conditional on the stored version still matching the version the
// caller read; a concurrent writer surfaces as ErrVersionConflict
// instead of being silently overwritten.
func (s *Service) Save(ctx context.Context, userID uuid.UUID, rec *character.Record) (*character.Record, error) {
	if rec == nil || rec.ID == "" {
		return nil, fmt.Errorf("%w: missing record or id", character.ErrValidation)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: character store not configured", character.ErrStorageUnavailable)
	}

	current, err := s.repo.Get(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("save character: %w", err)
	}
	if current == nil {
		return nil, fmt.Errorf("%w: character %s", character.ErrNotFound, rec.ID)
	}
	if current.OwnerUserID != userID {
		return nil, fmt.Errorf("%w: character %s", character.ErrAccessDenied, rec.ID)
	}

	stored := character.ToStored(*rec, userID, time.Now().UTC())
	if err := s.repo.Update(ctx, stored, rec.Version); err != nil {
		return nil, fmt.Errorf("save character: %w", err)
	}

	s.invalidateList(ctx, userID)
	s.publish(ctx, mq.SubjectCharacterSaved, map[string]any{"character_id": stored.ID, "user_id": userID, "version": stored.Version})

	next := character.FromStored(&stored)
	if s.autoBackup != nil {
		s.autoBackup(ctx, userID, character.FromStored(current), next)
	}
	return next, nil
}

// Delete soft-deletes the record and removes it from the owner's
// character-id list in one transaction.
func (s *Service) Delete(ctx context.Context, characterID string, userID uuid.UUID) error {
	if characterID == "" {
		return fmt.Errorf("%w: missing character id", character.ErrValidation)
	}
	if s.repo == nil {
		return fmt.Errorf("%w: character store not configured", character.ErrStorageUnavailable)
	}
	stored, err := s.repo.Get(ctx, characterID)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("%w: character %s", character.ErrNotFound, characterID)
	}
	if stored.OwnerUserID != userID {
		return fmt.Errorf("%w: character %s", character.ErrAccessDenied, characterID)
	}
	if err := s.repo.SoftDelete(ctx, characterID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	s.invalidateList(ctx, userID)
	s.publish(ctx, mq.SubjectCharacterDeleted, map[string]any{"character_id": characterID, "user_id": userID})
	return nil
}

func (s *Service) listCacheKey(userID uuid.UUID) string {
	return "characters:user:" + userID.String()
}

func (s *Service) invalidateList(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, s.listCacheKey(userID)).Err()
}

func (s *Service) publish(ctx context.Context, subject string, payload any) {
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.pub.Publish(ctx, subject, b); err != nil {
		s.logger.Debug().Err(err).Str("subject", subject).Msg("event publish failed")
	}
}
