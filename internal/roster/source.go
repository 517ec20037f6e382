package roster

import (
	"context"
	"time"

	"rosterbot/internal/cache"
)

// Source is the upstream game API. Implementations live outside this module;
// the scanner and any command surface read game state through it.
type Source interface {
	Levels(ctx context.Context) ([]Level, error)
	Rotation(ctx context.Context, kind RotationKind) (Rotation, bool, error)
	Moderators(ctx context.Context) ([]Moderator, error)
}

// Cache keys for rotation picks; the rotation consumer invalidates these the
// moment a replacement event fires, so readers see fresh data as soon as the
// new pick exists.
func RotationCacheKey(kind RotationKind) string { return "rotation:" + string(kind) }

// CachedSource memoizes upstream lookups through TTL caches.
type CachedSource struct {
	src Source

	rotations *cache.Cache[string, Rotation]
	levels    *cache.Cache[string, []Level]

	rotationTTL time.Duration
	levelsTTL   time.Duration
}

func NewCachedSource(src Source, rotations *cache.Cache[string, Rotation], levels *cache.Cache[string, []Level], rotationTTL, levelsTTL time.Duration) *CachedSource {
	if rotationTTL <= 0 {
		rotationTTL = 30 * time.Minute
	}
	if levelsTTL <= 0 {
		levelsTTL = 5 * time.Minute
	}
	return &CachedSource{
		src:         src,
		rotations:   rotations,
		levels:      levels,
		rotationTTL: rotationTTL,
		levelsTTL:   levelsTTL,
	}
}

func (c *CachedSource) Levels(ctx context.Context) ([]Level, error) {
	v, ok, err := c.levels.ReadThrough(ctx, "levels", c.levelsTTL, cache.Propagate, func(ctx context.Context) ([]Level, bool, error) {
		ls, err := c.src.Levels(ctx)
		if err != nil {
			return nil, false, err
		}
		return ls, ls != nil, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return v, nil
}

func (c *CachedSource) Rotation(ctx context.Context, kind RotationKind) (Rotation, bool, error) {
	return c.rotations.ReadThrough(ctx, RotationCacheKey(kind), c.rotationTTL, cache.Propagate, func(ctx context.Context) (Rotation, bool, error) {
		return c.src.Rotation(ctx, kind)
	})
}

// Moderators is passed through uncached: the roster is tiny and promote /
// demote consumers want the live view.
func (c *CachedSource) Moderators(ctx context.Context) ([]Moderator, error) {
	return c.src.Moderators(ctx)
}
