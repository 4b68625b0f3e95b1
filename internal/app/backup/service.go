package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vtt-server/internal/domain/character"
	"vtt-server/internal/platform/mq"
)

// CharacterStore is the slice of the persistence store the backup
// service needs: restores go through the same validated, version-checked
// save path as every other write.
type CharacterStore interface {
	Load(ctx context.Context, characterID string, userID uuid.UUID) (*character.Record, error)
	Save(ctx context.Context, userID uuid.UUID, rec *character.Record) (*character.Record, error)
}

// MajorChangeFunc decides whether the delta between two record states
// warrants a semantic backup. The predicate is supplied by the caller;
// a nil predicate never fires.
type MajorChangeFunc func(prev, next *character.Record) bool

type Options struct {
	MaxBackups  int
	Interval    time.Duration
	AutoEnabled bool
	MajorChange MajorChangeFunc
}

// Service is the backup store: versioned snapshots per character,
// rotated FIFO to a maximum count, with a local-only fallback when the
// remote store is unreachable.
type Service struct {
	logger      zerolog.Logger
	remote      Repository // nil when the remote store is unconfigured
	local       Repository
	characters  CharacterStore
	pub         mq.Publisher
	maxBackups  int
	interval    time.Duration
	autoEnabled bool
	majorChange MajorChangeFunc
	now         func() time.Time
}

func NewService(logger zerolog.Logger, remote, local Repository, characters CharacterStore, pub mq.Publisher, opts Options) *Service {
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	return &Service{
		logger:      logger,
		remote:      remote,
		local:       local,
		characters:  characters,
		pub:         pub,
		maxBackups:  opts.MaxBackups,
		interval:    opts.Interval,
		autoEnabled: opts.AutoEnabled,
		majorChange: opts.MajorChange,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateBackup snapshots the record (loading the current state when rec
// is nil), persists it, and rotates the oldest snapshots beyond the
// maximum. When the remote store rejects the write the snapshot falls
// back to the local store; rotation then runs over local snapshots only.
func (s *Service) CreateBackup(ctx context.Context, characterID string, userID uuid.UUID, reason string, rec *character.Record) (*Snapshot, error) {
	if characterID == "" || userID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing character or user id", character.ErrValidation)
	}
	if rec == nil {
		loaded, err := s.characters.Load(ctx, characterID, userID)
		if err != nil {
			return nil, fmt.Errorf("load for backup: %w", err)
		}
		rec = loaded
	}
	if rec.OwnerUserID != uuid.Nil && rec.OwnerUserID != userID {
		return nil, fmt.Errorf("%w: character %s", character.ErrAccessDenied, characterID)
	}

	now := s.now()
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal backup payload: %w", err)
	}
	snap := Snapshot{
		ID:           uuid.NewString(),
		CharacterID:  characterID,
		OwnerUserID:  userID,
		Reason:       reason,
		VersionLabel: fmt.Sprintf("v%d-%d", rec.Version, now.UnixMilli()),
		Data:         rec.Clone(),
		SizeBytes:    len(payload),
		CreatedAt:    now,
	}

	if s.remote != nil {
		if err := s.remote.Insert(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Str("character_id", characterID).Msg("remote backup failed, falling back to local")
		} else {
			s.rotate(ctx, s.remote, characterID, userID)
			s.publishCreated(ctx, snap)
			return &snap, nil
		}
	}

	if s.local == nil {
		return nil, fmt.Errorf("%w: no backup store configured", character.ErrStorageUnavailable)
	}
	snap.IsLocal = true
	if err := s.local.Insert(ctx, snap); err != nil {
		return nil, fmt.Errorf("local backup: %w", err)
	}
	s.rotate(ctx, s.local, characterID, userID)
	s.publishCreated(ctx, snap)
	return &snap, nil
}

// rotate deletes the oldest snapshots beyond the maximum. It runs only
// after the new snapshot's write is confirmed so there is never a window
// with zero backups. Rotation is strictly FIFO by creation time.
func (s *Service) rotate(ctx context.Context, repo Repository, characterID string, userID uuid.UUID) {
	snaps, err := repo.List(ctx, characterID, userID, 0)
	if err != nil {
		s.logger.Warn().Err(err).Str("character_id", characterID).Msg("backup rotation list failed")
		return
	}
	for _, old := range snaps[min(len(snaps), s.maxBackups):] {
		if err := repo.Delete(ctx, old.ID); err != nil {
			s.logger.Warn().Err(err).Str("backup_id", old.ID).Msg("backup rotation delete failed")
		}
	}
}

// ListBackups returns the character's snapshots newest-first, bounded to
// the rotation maximum, falling back to local enumeration when the
// remote listing fails.
func (s *Service) ListBackups(ctx context.Context, characterID string, userID uuid.UUID) ([]Snapshot, error) {
	if s.remote != nil {
		snaps, err := s.remote.List(ctx, characterID, userID, s.maxBackups)
		if err == nil {
			return snaps, nil
		}
		s.logger.Warn().Err(err).Str("character_id", characterID).Msg("remote backup list failed, using local")
	}
	if s.local == nil {
		return nil, fmt.Errorf("%w: no backup store configured", character.ErrStorageUnavailable)
	}
	return s.local.List(ctx, characterID, userID, s.maxBackups)
}

// RestoreFromBackup overwrites the live record with a snapshot's
// payload. A pre_restore snapshot of the current state is taken first as
// the undo safety net, and restoration provenance is stamped onto the
// record before it is saved.
func (s *Service) RestoreFromBackup(ctx context.Context, backupID, characterID string, userID uuid.UUID) (*character.Record, error) {
	snap, err := s.findSnapshot(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.CharacterID != characterID {
		return nil, fmt.Errorf("%w: backup %s", character.ErrNotFound, backupID)
	}
	if snap.OwnerUserID != userID {
		return nil, fmt.Errorf("%w: backup %s", character.ErrAccessDenied, backupID)
	}

	current, err := s.characters.Load(ctx, characterID, userID)
	if err != nil {
		return nil, fmt.Errorf("load before restore: %w", err)
	}
	if _, err := s.CreateBackup(ctx, characterID, userID, ReasonPreRestore, current); err != nil {
		return nil, fmt.Errorf("pre-restore backup: %w", err)
	}

	restored := snap.Data.Clone()
	restored.ID = characterID
	restored.OwnerUserID = userID
	restored.Version = current.Version
	restored.DeletedAt = nil
	restored.RestoredFrom = &character.RestoreStamp{
		BackupID:    snap.ID,
		BackupDate:  snap.CreatedAt,
		RestoreDate: s.now(),
	}
	saved, err := s.characters.Save(ctx, userID, &restored)
	if err != nil {
		return nil, fmt.Errorf("save restored record: %w", err)
	}
	return saved, nil
}

func (s *Service) findSnapshot(ctx context.Context, backupID string) (*Snapshot, error) {
	if s.remote != nil {
		snap, err := s.remote.Get(ctx, backupID)
		if err == nil && snap != nil {
			return snap, nil
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("backup_id", backupID).Msg("remote backup lookup failed, trying local")
		}
	}
	if s.local == nil {
		return nil, nil
	}
	return s.local.Get(ctx, backupID)
}

// ShouldCreateAutoBackup reports whether an automatic snapshot is due
// and for what reason. Semantic triggers (level-up, the major-change
// predicate) and the time-since-last-backup threshold are independent;
// either can fire.
func (s *Service) ShouldCreateAutoBackup(ctx context.Context, characterID string, userID uuid.UUID, prev, next *character.Record) (string, bool) {
	if prev != nil && next != nil && next.Level > prev.Level {
		return ReasonLevelUp, true
	}
	if s.majorChange != nil && s.majorChange(prev, next) {
		return ReasonMajorChanges, true
	}
	snaps, err := s.ListBackups(ctx, characterID, userID)
	if err != nil {
		s.logger.Debug().Err(err).Str("character_id", characterID).Msg("auto backup check could not list backups")
		return "", false
	}
	if len(snaps) == 0 {
		return ReasonScheduled, true
	}
	if s.now().Sub(snaps[0].CreatedAt) >= s.interval {
		return ReasonScheduled, true
	}
	return "", false
}

// HandleSave is the auto-backup hook wired into the persistence store.
// It must never fail the save it piggybacks on, so every failure ends
// here as a log line.
func (s *Service) HandleSave(ctx context.Context, userID uuid.UUID, prev, next *character.Record) {
	if !s.autoEnabled || next == nil {
		return
	}
	reason, ok := s.ShouldCreateAutoBackup(ctx, next.ID, userID, prev, next)
	if !ok {
		return
	}
	if _, err := s.CreateBackup(ctx, next.ID, userID, reason, next); err != nil {
		s.logger.Warn().Err(err).Str("character_id", next.ID).Str("reason", reason).Msg("auto backup failed")
	}
}

func (s *Service) publishCreated(ctx context.Context, snap Snapshot) {
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(map[string]any{
		"backup_id":    snap.ID,
		"character_id": snap.CharacterID,
		"reason":       snap.Reason,
		"is_local":     snap.IsLocal,
	})
	if err != nil {
		return
	}
	if err := s.pub.Publish(ctx, mq.SubjectBackupCreated, b); err != nil {
		s.logger.Debug().Err(err).Msg("backup event publish failed")
	}
}
