package consume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rosterbot/internal/notify/broadcast"
	"rosterbot/internal/notify/reconcile"
	"rosterbot/internal/notify/render"
	"rosterbot/internal/roster"
	"rosterbot/internal/storage"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// LevelAddedHooks handles the "added" category: it reserves reconciliation
// slots before any network call, fans each level out as its own job, and
// persists audit rows afterwards.
type LevelAddedHooks struct {
	log   logx.Logger
	bc    *broadcast.Service
	reg   *reconcile.Registry
	store storage.Store
}

func NewLevelAddedHooks(bc *broadcast.Service, reg *reconcile.Registry, store storage.Store, log logx.Logger) *LevelAddedHooks {
	return &LevelAddedHooks{log: log, bc: bc, reg: reg, store: store}
}

func (h *LevelAddedHooks) Before(ctx context.Context, ev roster.LevelsAdded) error {
	// Reserve a slot per id eagerly: a same-id "updated" event may arrive
	// before the first send goes out.
	ids := make([]int64, 0, len(ev.Levels))
	for _, l := range ev.Levels {
		ids = append(ids, l.ID)
	}
	h.reg.Begin(ids)
	return nil
}

func (h *LevelAddedHooks) Broadcast(ctx context.Context, ev roster.LevelsAdded, targets []Target) (Summary, error) {
	chats, roles := splitTargets(targets)

	var (
		mu  sync.Mutex
		sum Summary
		wg  sync.WaitGroup
	)
	for _, lvl := range ev.Levels {
		lvl := lvl
		notice := render.New(levelAddedText(lvl), htmlOptions())
		h.reg.Started(lvl.ID)

		wg.Add(1)
		_, err := h.bc.Submit(broadcast.Job{
			Name:    fmt.Sprintf("level-added:%d", lvl.ID),
			Targets: chats,
			Render:  func(t kit.ChatTarget) render.Message { return notice.For(roles[t]) },
			OnComplete: func(outcomes []broadcast.Outcome) {
				defer wg.Done()
				delivered, failed, handles := tally(outcomes)
				h.reg.Complete(ctx, lvl.ID, handles)
				mu.Lock()
				sum.Delivered += delivered
				sum.Failed += failed
				sum.Entities = append(sum.Entities, EntityResult{ID: lvl.ID, Name: lvl.Name, Delivered: delivered, Failed: failed})
				mu.Unlock()
			},
		})
		if err != nil {
			wg.Done()
			// Finalize the slot anyway so the batch barrier comes down and
			// queued edits are not stranded.
			h.reg.Complete(ctx, lvl.ID, nil)
			mu.Lock()
			sum.Failed += len(chats)
			sum.Entities = append(sum.Entities, EntityResult{ID: lvl.ID, Name: lvl.Name, Failed: len(chats)})
			mu.Unlock()
		}
	}
	wg.Wait()
	return sum, nil
}

func (h *LevelAddedHooks) After(ctx context.Context, ev roster.LevelsAdded, sum Summary) error {
	return appendLevelAudit(ctx, h.store, roster.CategoryLevelAdded, "added", sum)
}

// LevelRemovedHooks handles the "removed" category: plain fan-out plus audit.
type LevelRemovedHooks struct {
	log   logx.Logger
	bc    *broadcast.Service
	store storage.Store
}

func NewLevelRemovedHooks(bc *broadcast.Service, store storage.Store, log logx.Logger) *LevelRemovedHooks {
	return &LevelRemovedHooks{log: log, bc: bc, store: store}
}

func (h *LevelRemovedHooks) Before(ctx context.Context, ev roster.LevelsRemoved) error { return nil }

func (h *LevelRemovedHooks) Broadcast(ctx context.Context, ev roster.LevelsRemoved, targets []Target) (Summary, error) {
	chats, roles := splitTargets(targets)

	var (
		mu  sync.Mutex
		sum Summary
		wg  sync.WaitGroup
	)
	for _, lvl := range ev.Levels {
		lvl := lvl
		notice := render.New(levelRemovedText(lvl), htmlOptions())

		wg.Add(1)
		_, err := h.bc.Submit(broadcast.Job{
			Name:    fmt.Sprintf("level-removed:%d", lvl.ID),
			Targets: chats,
			Render:  func(t kit.ChatTarget) render.Message { return notice.For(roles[t]) },
			OnComplete: func(outcomes []broadcast.Outcome) {
				defer wg.Done()
				delivered, failed, _ := tally(outcomes)
				mu.Lock()
				sum.Delivered += delivered
				sum.Failed += failed
				sum.Entities = append(sum.Entities, EntityResult{ID: lvl.ID, Name: lvl.Name, Delivered: delivered, Failed: failed})
				mu.Unlock()
			},
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			sum.Failed += len(chats)
			sum.Entities = append(sum.Entities, EntityResult{ID: lvl.ID, Name: lvl.Name, Failed: len(chats)})
			mu.Unlock()
		}
	}
	wg.Wait()
	return sum, nil
}

func (h *LevelRemovedHooks) After(ctx context.Context, ev roster.LevelsRemoved, sum Summary) error {
	return appendLevelAudit(ctx, h.store, roster.CategoryLevelRemoved, "removed", sum)
}

// LevelUpdatedHooks handles the "updated" category. The primary effect is an
// edit of the messages delivered by the matching "added" broadcast, deferred
// automatically if that broadcast is still in flight. Guilds subscribed to
// position changes additionally get a fresh notification.
type LevelUpdatedHooks struct {
	log     logx.Logger
	bc      *broadcast.Service
	reg     *reconcile.Registry
	adapter kit.Adapter
}

func NewLevelUpdatedHooks(bc *broadcast.Service, reg *reconcile.Registry, adapter kit.Adapter, log logx.Logger) *LevelUpdatedHooks {
	return &LevelUpdatedHooks{log: log, bc: bc, reg: reg, adapter: adapter}
}

func (h *LevelUpdatedHooks) Before(ctx context.Context, ev roster.LevelUpdated) error { return nil }

func (h *LevelUpdatedHooks) Broadcast(ctx context.Context, ev roster.LevelUpdated, targets []Target) (Summary, error) {
	// Rewrite the original "added" messages with the new state. No role
	// prefix on edits: the original mention should not fire again.
	refreshed := render.New(levelAddedText(ev.After), htmlOptions()).Base()
	h.reg.Apply(ctx, ev.After.ID, func(ctx context.Context, ref kit.MessageRef) error {
		return h.adapter.EditText(ctx, ref, refreshed.Text, refreshed.Options)
	})

	if len(targets) == 0 {
		return Summary{}, nil
	}

	chats, roles := splitTargets(targets)
	notice := render.New(levelMovedText(ev.Before, ev.After), htmlOptions())

	done := make(chan Summary, 1)
	_, err := h.bc.Submit(broadcast.Job{
		Name:    fmt.Sprintf("level-updated:%d", ev.After.ID),
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

func (h *LevelUpdatedHooks) After(ctx context.Context, ev roster.LevelUpdated, sum Summary) error {
	return nil
}

func tally(outcomes []broadcast.Outcome) (delivered, failed int, handles []kit.MessageRef) {
	for _, o := range outcomes {
		if o.Delivered() {
			delivered++
			handles = append(handles, o.Ref)
		} else {
			failed++
		}
	}
	return delivered, failed, handles
}

func appendLevelAudit(ctx context.Context, store storage.Store, category, action string, sum Summary) error {
	if store == nil {
		return nil
	}
	now := time.Now()
	for _, e := range sum.Entities {
		err := store.AppendAudit(ctx, storage.AuditEntry{
			At:         now,
			Category:   category,
			Action:     action,
			EntityID:   e.ID,
			EntityName: e.Name,
			OK:         e.Delivered,
			Fail:       e.Failed,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
