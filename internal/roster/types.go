// Package roster defines the watched game state: the ranked level list, the
// daily/weekly rotation, and the moderator roster, plus the change events an
// external scanner emits when that state moves.
package roster

import "time"

// Change categories a guild can subscribe to. One subscription row exists per
// (guild, category).
const (
	CategoryLevelAdded   = "level_added"
	CategoryLevelRemoved = "level_removed"
	CategoryLevelUpdated = "level_updated"
	CategoryDaily        = "rotation_daily"
	CategoryWeekly       = "rotation_weekly"
	CategoryModPromoted  = "mod_promoted"
	CategoryModDemoted   = "mod_demoted"
)

// Level is one ranked list entry. ID is the stable numeric identity that
// persists across position changes.
type Level struct {
	ID       int64
	Name     string
	Author   string
	Verifier string
	Position int
}

// Moderator is one game moderator roster entry.
type Moderator struct {
	AccountID int64
	Name      string
	Elder     bool
}

type RotationKind string

const (
	RotationDaily  RotationKind = "daily"
	RotationWeekly RotationKind = "weekly"
)

// Rotation is the current point-in-time pick for a rotation kind.
type Rotation struct {
	Kind       RotationKind
	Level      Level
	AssignedAt time.Time
}
