package backup

import (
	"time"

	"github.com/google/uuid"

	"vtt-server/internal/domain/character"
)

// Reasons a snapshot gets taken.
const (
	ReasonManual       = "manual"
	ReasonScheduled    = "scheduled"
	ReasonPreRestore   = "pre_restore"
	ReasonLevelUp      = "level_up"
	ReasonMajorChanges = "major_changes"
)

// Snapshot is an immutable point-in-time copy of a character record.
type Snapshot struct {
	ID           string           `json:"id"`
	CharacterID  string           `json:"characterId"`
	OwnerUserID  uuid.UUID        `json:"ownerUserId"`
	Reason       string           `json:"reason"`
	VersionLabel string           `json:"versionLabel"`
	Data         character.Record `json:"data"`
	SizeBytes    int              `json:"sizeBytes"`
	CreatedAt    time.Time        `json:"createdAt"`
	// IsLocal marks snapshots that never reached the remote store and
	// live only in the local key-value store.
	IsLocal bool `json:"isLocal,omitempty"`
}
