package roster

import (
	"fmt"
	"strings"
)

// LevelsAdded is emitted when the scanner finds levels on the list that were
// not there before. Levels detected in one scan tick form one batch.
type LevelsAdded struct {
	Levels []Level
}

func (e LevelsAdded) Category() string { return CategoryLevelAdded }

func (e LevelsAdded) Describe() string {
	return "levels added: " + levelNames(e.Levels)
}

// LevelsRemoved is emitted when previously listed levels disappear.
type LevelsRemoved struct {
	Levels []Level
}

func (e LevelsRemoved) Category() string { return CategoryLevelRemoved }

func (e LevelsRemoved) Describe() string {
	return "levels removed: " + levelNames(e.Levels)
}

// LevelUpdated carries both states of a level whose list entry changed
// (typically a position move). Identity is Before.ID == After.ID.
type LevelUpdated struct {
	Before Level
	After  Level
}

func (e LevelUpdated) Category() string { return CategoryLevelUpdated }

func (e LevelUpdated) Describe() string {
	return fmt.Sprintf("level %q moved #%d -> #%d", e.After.Name, e.Before.Position, e.After.Position)
}

// RotationChanged is emitted when the daily or weekly pick is replaced.
type RotationChanged struct {
	Rotation Rotation
}

func (e RotationChanged) Category() string {
	if e.Rotation.Kind == RotationWeekly {
		return CategoryWeekly
	}
	return CategoryDaily
}

func (e RotationChanged) Describe() string {
	return fmt.Sprintf("new %s level: %q by %s", e.Rotation.Kind, e.Rotation.Level.Name, e.Rotation.Level.Author)
}

// ModeratorChanged is emitted on a promote or demote.
type ModeratorChanged struct {
	Promoted  bool
	Moderator Moderator
}

func (e ModeratorChanged) Category() string {
	if e.Promoted {
		return CategoryModPromoted
	}
	return CategoryModDemoted
}

func (e ModeratorChanged) Describe() string {
	verb := "demoted"
	if e.Promoted {
		verb = "promoted"
	}
	return fmt.Sprintf("moderator %s: %s", verb, e.Moderator.Name)
}

func levelNames(levels []Level) string {
	if len(levels) == 0 {
		return "(none)"
	}
	names := make([]string, 0, len(levels))
	for _, l := range levels {
		names = append(names, fmt.Sprintf("%q (#%d)", l.Name, l.Position))
	}
	return strings.Join(names, ", ")
}
