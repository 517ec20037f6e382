// Package consume orchestrates one detected change end-to-end: hook before,
// resolve subscribers, fan the notification out, hook after, log timings.
package consume

import (
	"context"
	"fmt"
	"time"

	"rosterbot/internal/storage"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// Event is one detected change in the watched game state.
type Event interface {
	Category() string
	Describe() string
}

// Target is one resolved subscriber destination for the current event.
// Subscriptions whose chat the bot can no longer see are dropped before this
// point.
type Target struct {
	GuildID int64
	Chat    kit.ChatTarget
	RoleTag string
}

// Summary aggregates delivery results across the event's broadcast jobs.
type Summary struct {
	Delivered int
	Failed    int
	// Entities carries a per-entity breakdown for categories that audit per
	// changed entity (level added/removed).
	Entities []EntityResult
}

type EntityResult struct {
	ID        int64
	Name      string
	Delivered int
	Failed    int
}

// Hooks is the category-specific part of the pipeline.
//
// Before runs prior to any network call (e.g. reserving reconciliation slots
// or invalidating caches). Broadcast builds the notification and drives the
// broadcaster, returning once every target has a final outcome. After runs
// post-broadcast work (audit, cache warming); its failure is logged but never
// retracts delivered messages.
type Hooks[E Event] interface {
	Before(ctx context.Context, ev E) error
	Broadcast(ctx context.Context, ev E, targets []Target) (Summary, error)
	After(ctx context.Context, ev E, sum Summary) error
}

// SubscriptionLister is the subscriber-configuration store, queried fresh per
// event (never cached across events).
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, category string) ([]storage.Subscription, error)
}

type Consumer[E Event] struct {
	log      logx.Logger
	store    SubscriptionLister
	resolver kit.ChatResolver
	hooks    Hooks[E]
}

func New[E Event](store SubscriptionLister, resolver kit.ChatResolver, hooks Hooks[E], log logx.Logger) *Consumer[E] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer[E]{log: log, store: store, resolver: resolver, hooks: hooks}
}

// Consume runs the pipeline for one event. It blocks until every broadcast
// job spawned for the event has a final outcome, so callers should invoke it
// from a worker, not from a timer callback.
func (c *Consumer[E]) Consume(ctx context.Context, ev E) error {
	start := time.Now()
	cat := ev.Category()
	log := c.log.With(logx.String("category", cat))
	log.Info("change event fired", logx.String("change", ev.Describe()))

	if err := c.hooks.Before(ctx, ev); err != nil {
		log.Error("before hook failed; aborting event", logx.Err(err))
		return err
	}

	targets, err := c.resolveTargets(ctx, log, cat)
	if err != nil {
		// Store unreachable aborts the whole event: no partial broadcast.
		log.Error("subscriber resolution failed; aborting event", logx.Err(err))
		return err
	}
	resolveTook := time.Since(start)

	bStart := time.Now()
	sum, err := c.hooks.Broadcast(ctx, ev, targets)
	if err != nil {
		log.Error("broadcast failed", logx.Err(err))
		return err
	}
	broadcastTook := time.Since(bStart)

	if err := c.hooks.After(ctx, ev, sum); err != nil {
		// Delivery is never undone by a later-stage failure.
		log.Warn("post-broadcast step failed", logx.Err(err))
	}

	log.Info("change event consumed",
		logx.Int("subscribers", len(targets)),
		logx.Int("delivered", sum.Delivered),
		logx.Int("failed", sum.Failed),
		logx.Duration("resolve", resolveTook),
		logx.Duration("broadcast", broadcastTook),
		logx.Duration("total", time.Since(start)))
	return nil
}

func (c *Consumer[E]) resolveTargets(ctx context.Context, log logx.Logger, category string) ([]Target, error) {
	if c.store == nil {
		return nil, fmt.Errorf("subscription store unavailable")
	}
	subs, err := c.store.ListSubscriptions(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	targets := make([]Target, 0, len(subs))
	for _, sub := range subs {
		chat, ok, err := c.resolver.ResolveChat(ctx, sub.ChatID)
		if err != nil {
			return nil, fmt.Errorf("resolve chat %d: %w", sub.ChatID, err)
		}
		if !ok {
			log.Debug("dropping unreachable subscriber", logx.Int64("guild_id", sub.GuildID), logx.Int64("chat_id", sub.ChatID))
			continue
		}
		if sub.ThreadID != 0 {
			chat.ThreadID = sub.ThreadID
		}
		targets = append(targets, Target{GuildID: sub.GuildID, Chat: chat, RoleTag: sub.RoleTag})
	}
	return targets, nil
}

// splitTargets extracts the chat list and the per-chat role tags from the
// resolved targets.
func splitTargets(targets []Target) ([]kit.ChatTarget, map[kit.ChatTarget]string) {
	chats := make([]kit.ChatTarget, 0, len(targets))
	roles := make(map[kit.ChatTarget]string, len(targets))
	for _, t := range targets {
		chats = append(chats, t.Chat)
		if t.RoleTag != "" {
			roles[t.Chat] = t.RoleTag
		}
	}
	return chats, roles
}
