package consume

import (
	"context"

	"rosterbot/internal/cache"
	"rosterbot/internal/notify/broadcast"
	"rosterbot/internal/notify/render"
	"rosterbot/internal/roster"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// RotationHooks handles the daily/weekly point-in-time replacement: the stale
// cache key is invalidated before anything else so readers see fresh data as
// soon as the new pick exists.
type RotationHooks struct {
	log       logx.Logger
	bc        *broadcast.Service
	rotations *cache.Cache[string, roster.Rotation]
}

func NewRotationHooks(bc *broadcast.Service, rotations *cache.Cache[string, roster.Rotation], log logx.Logger) *RotationHooks {
	return &RotationHooks{log: log, bc: bc, rotations: rotations}
}

func (h *RotationHooks) Before(ctx context.Context, ev roster.RotationChanged) error {
	h.rotations.Delete(roster.RotationCacheKey(ev.Rotation.Kind))
	return nil
}

func (h *RotationHooks) Broadcast(ctx context.Context, ev roster.RotationChanged, targets []Target) (Summary, error) {
	return fanOutOnce(ctx, h.bc, "rotation:"+string(ev.Rotation.Kind), rotationText(ev.Rotation), targets)
}

func (h *RotationHooks) After(ctx context.Context, ev roster.RotationChanged, sum Summary) error {
	return nil
}

// ModeratorHooks handles promote/demote status transitions: broadcast only,
// no persistence, no reconciliation.
type ModeratorHooks struct {
	log logx.Logger
	bc  *broadcast.Service
}

func NewModeratorHooks(bc *broadcast.Service, log logx.Logger) *ModeratorHooks {
	return &ModeratorHooks{log: log, bc: bc}
}

func (h *ModeratorHooks) Before(ctx context.Context, ev roster.ModeratorChanged) error { return nil }

func (h *ModeratorHooks) Broadcast(ctx context.Context, ev roster.ModeratorChanged, targets []Target) (Summary, error) {
	return fanOutOnce(ctx, h.bc, "moderator:"+ev.Moderator.Name, moderatorText(ev.Promoted, ev.Moderator), targets)
}

func (h *ModeratorHooks) After(ctx context.Context, ev roster.ModeratorChanged, sum Summary) error {
	return nil
}

// fanOutOnce submits a single job for the event and blocks until it resolves.
func fanOutOnce(ctx context.Context, bc *broadcast.Service, name, text string, targets []Target) (Summary, error) {
	if len(targets) == 0 {
		return Summary{}, nil
	}
	chats, roles := splitTargets(targets)
	notice := render.New(text, htmlOptions())

	done := make(chan Summary, 1)
	_, err := bc.Submit(broadcast.Job{
		Name:    name,
		Targets: chats,
		Render:  func(t kit.ChatTarget) render.Message { return notice.For(roles[t]) },
		OnComplete: func(outcomes []broadcast.Outcome) {
			delivered, failed, _ := tally(outcomes)
			done <- Summary{Delivered: delivered, Failed: failed}
		},
	})
	if err != nil {
		return Summary{Failed: len(chats)}, nil
	}

	select {
	case sum := <-done:
		return sum, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}
