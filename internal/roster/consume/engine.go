package consume

import (
	"context"

	"rosterbot/internal/cache"
	"rosterbot/internal/notify/broadcast"
	"rosterbot/internal/notify/reconcile"
	"rosterbot/internal/roster"
	"rosterbot/internal/storage"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// Engine bundles one consumer per change category. The external scanner
// calls the Handle* entry points; each invocation is one change event.
type Engine struct {
	levelsAdded   *Consumer[roster.LevelsAdded]
	levelsRemoved *Consumer[roster.LevelsRemoved]
	levelUpdated  *Consumer[roster.LevelUpdated]
	rotation      *Consumer[roster.RotationChanged]
	moderators    *Consumer[roster.ModeratorChanged]
}

type Deps struct {
	Log       logx.Logger
	Store     storage.Store
	Resolver  kit.ChatResolver
	Adapter   kit.Adapter
	Broadcast *broadcast.Service
	Registry  *reconcile.Registry
	Rotations *cache.Cache[string, roster.Rotation]
}

func NewEngine(d Deps) *Engine {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		levelsAdded:   New(d.Store, d.Resolver, NewLevelAddedHooks(d.Broadcast, d.Registry, d.Store, log), log),
		levelsRemoved: New(d.Store, d.Resolver, NewLevelRemovedHooks(d.Broadcast, d.Store, log), log),
		levelUpdated:  New(d.Store, d.Resolver, NewLevelUpdatedHooks(d.Broadcast, d.Registry, d.Adapter, log), log),
		rotation:      New(d.Store, d.Resolver, NewRotationHooks(d.Broadcast, d.Rotations, log), log),
		moderators:    New(d.Store, d.Resolver, NewModeratorHooks(d.Broadcast, log), log),
	}
}

func (e *Engine) HandleLevelsAdded(ctx context.Context, ev roster.LevelsAdded) error {
	return e.levelsAdded.Consume(ctx, ev)
}

func (e *Engine) HandleLevelsRemoved(ctx context.Context, ev roster.LevelsRemoved) error {
	return e.levelsRemoved.Consume(ctx, ev)
}

func (e *Engine) HandleLevelUpdated(ctx context.Context, ev roster.LevelUpdated) error {
	return e.levelUpdated.Consume(ctx, ev)
}

func (e *Engine) HandleRotationChanged(ctx context.Context, ev roster.RotationChanged) error {
	return e.rotation.Consume(ctx, ev)
}

func (e *Engine) HandleModeratorChanged(ctx context.Context, ev roster.ModeratorChanged) error {
	return e.moderators.Consume(ctx, ev)
}
