package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vtt-server/internal/domain/character"
	"vtt-server/internal/platform/mq"
)

type CharacterStore interface {
	Load(ctx context.Context, characterID string, userID uuid.UUID) (*character.Record, error)
	Save(ctx context.Context, userID uuid.UUID, rec *character.Record) (*character.Record, error)
}

// ChangeQueuer receives changes whose remote mirror write failed, so
// they survive a disconnect instead of being lost. DropChanges removes
// queued entries that a completed end-of-session replay has already
// applied, so a later drain does not apply them a second time.
type ChangeQueuer interface {
	QueueChange(ctx context.Context, characterID string, userID uuid.UUID, changeType string, data map[string]any) (string, error)
	DropChanges(ctx context.Context, ids []string) error
}

// Service tracks one change set per character per play session. At most
// one active session exists per character id at a time; the map lookup
// in StartSession enforces it.
type Service struct {
	logger     zerolog.Logger
	repo       Repository // nil when the remote store is unconfigured
	characters CharacterStore
	queue      ChangeQueuer
	pub        mq.Publisher

	mu     sync.Mutex
	active map[string]*Session // keyed by character id
}

func NewService(logger zerolog.Logger, repo Repository, characters CharacterStore, queue ChangeQueuer, pub mq.Publisher) *Service {
	return &Service{
		logger:     logger,
		repo:       repo,
		characters: characters,
		queue:      queue,
		pub:        pub,
		active:     make(map[string]*Session),
	}
}

// StartSession begins a session for the character, or returns the
// existing session id unchanged when one is already active. The caller
// must own the character; a session is never allocated for a foreign or
// missing character id. A remote session document is written when the
// remote store is reachable; otherwise the session is marked local.
func (s *Service) StartSession(ctx context.Context, characterID string, userID uuid.UUID, roomID string) (string, error) {
	if characterID == "" || userID == uuid.Nil {
		return "", fmt.Errorf("%w: missing character or user id", character.ErrValidation)
	}
	if _, err := s.characters.Load(ctx, characterID, userID); err != nil {
		return "", fmt.Errorf("start session for character %s: %w", characterID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.active[characterID]; ok {
		return existing.ID, nil
	}

	sess := &Session{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		UserID:      userID,
		RoomID:      roomID,
		Status:      StatusActive,
		StartedAt:   time.Now().UTC(),
		Changes:     character.NewSessionChanges(),
	}
	if s.repo == nil {
		sess.IsLocal = true
	} else if err := s.repo.Insert(ctx, *sess); err != nil {
		s.logger.Warn().Err(err).Str("character_id", characterID).Msg("remote session create failed, tracking locally")
		sess.IsLocal = true
	}
	s.active[characterID] = sess
	return sess.ID, nil
}

// RecordChange folds a typed change into the character's active change
// set. It returns false when no session is active: changes are never
// captured into an implicitly created session. The caller must be the
// session's owner. The in-memory set is updated synchronously; the
// remote mirror write is best-effort and a failed mirror hands the
// change to the offline queue.
func (s *Service) RecordChange(ctx context.Context, characterID string, userID uuid.UUID, changeType string, data map[string]any) (bool, error) {
	s.mu.Lock()
	sess, ok := s.active[characterID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("character_id", characterID).Str("change_type", changeType).Msg("change dropped, no active session")
		return false, nil
	}
	if sess.UserID != userID {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: session for character %s", character.ErrAccessDenied, characterID)
	}
	if err := sess.Changes.Record(changeType, data, time.Now().UTC()); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("record change: %w", err)
	}
	// Snapshot under the lock; the mirror write marshals outside it.
	mirror := sess.Changes.Clone()
	sessionID := sess.ID
	local := sess.IsLocal
	s.mu.Unlock()

	if !local && s.repo != nil {
		err := s.repo.UpdateChanges(ctx, sessionID, *mirror)
		if err == nil {
			return true, nil
		}
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session mirror write failed, queueing change")
	}
	if s.queue != nil {
		qid, err := s.queue.QueueChange(ctx, characterID, userID, changeType, data)
		if err != nil {
			s.logger.Error().Err(err).Str("character_id", characterID).Msg("offline queue write failed")
		} else {
			s.mu.Lock()
			sess.QueuedIDs = append(sess.QueuedIDs, qid)
			s.mu.Unlock()
		}
	}
	return true, nil
}

// EndSession replays the accumulated change set onto the latest
// persisted record, saves the merged result, and discards the session.
// On failure the session is kept and marked failed so the end can be
// retried, and the error is returned to the caller.
func (s *Service) EndSession(ctx context.Context, characterID string, userID uuid.UUID) (*character.Record, error) {
	s.mu.Lock()
	sess, ok := s.active[characterID]
	var changes *character.SessionChanges
	var queued []string
	if ok {
		changes = sess.Changes.Clone()
		queued = append([]string(nil), sess.QueuedIDs...)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no active session for character %s", character.ErrNotFound, characterID)
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: session for character %s", character.ErrAccessDenied, characterID)
	}

	rec, err := s.characters.Load(ctx, characterID, userID)
	if err == nil {
		merged := character.Replay(*rec, *changes)
		var saved *character.Record
		saved, err = s.characters.Save(ctx, userID, &merged)
		if err == nil {
			now := time.Now().UTC()
			s.mu.Lock()
			sess.Status = StatusCompleted
			sess.EndedAt = &now
			delete(s.active, characterID)
			s.mu.Unlock()
			if s.repo != nil && !sess.IsLocal {
				if rErr := s.repo.SetStatus(ctx, sess.ID, StatusCompleted, &now); rErr != nil {
					s.logger.Warn().Err(rErr).Str("session_id", sess.ID).Msg("session completion mirror failed")
				}
			}
			// The replay already applied the queued copies of these
			// changes; a later drain must not apply them again.
			if s.queue != nil && len(queued) > 0 {
				if qErr := s.queue.DropChanges(ctx, queued); qErr != nil {
					s.logger.Warn().Err(qErr).Str("character_id", characterID).Msg("dropping replayed queue entries failed")
				}
			}
			s.publishEnded(ctx, sess, saved.Version)
			return saved, nil
		}
	}

	s.mu.Lock()
	sess.Status = StatusFailed
	s.mu.Unlock()
	return nil, fmt.Errorf("end session for character %s: %w", characterID, err)
}

// ForceEndAllSessions is the abnormal-termination cleanup: the local
// session is dropped without replay and remote active sessions are
// marked force_ended, all best-effort.
func (s *Service) ForceEndAllSessions(ctx context.Context, characterID string, userID uuid.UUID) error {
	now := time.Now().UTC()
	s.mu.Lock()
	sess, ok := s.active[characterID]
	if ok && sess.UserID == userID {
		sess.Status = StatusForceEnded
		sess.EndedAt = &now
		delete(s.active, characterID)
	}
	s.mu.Unlock()

	if ok && sess.UserID != userID {
		return fmt.Errorf("%w: session for character %s", character.ErrAccessDenied, characterID)
	}
	if s.repo != nil {
		if err := s.repo.ForceEndActive(ctx, characterID, now); err != nil {
			s.logger.Warn().Err(err).Str("character_id", characterID).Msg("remote force end failed")
		}
	}
	return nil
}

// ActiveSession returns a copy of the character's active session, if
// any, for status introspection.
func (s *Service) ActiveSession(characterID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[characterID]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.Changes = sess.Changes.Clone()
	out.QueuedIDs = append([]string(nil), sess.QueuedIDs...)
	return out, true
}

func (s *Service) publishEnded(ctx context.Context, sess *Session, version int) {
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(map[string]any{
		"session_id":   sess.ID,
		"character_id": sess.CharacterID,
		"user_id":      sess.UserID,
		"version":      version,
	})
	if err != nil {
		return
	}
	if err := s.pub.Publish(ctx, mq.SubjectSessionEnded, b); err != nil {
		s.logger.Debug().Err(err).Msg("session event publish failed")
	}
}
