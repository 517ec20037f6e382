package consume

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rosterbot/internal/cache"
	"rosterbot/internal/notify/broadcast"
	"rosterbot/internal/notify/reconcile"
	"rosterbot/internal/roster"
	"rosterbot/internal/storage"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

// memStore is an in-memory storage.Store for pipeline tests.
type memStore struct {
	mu      sync.Mutex
	subs    []storage.Subscription
	audit   []storage.AuditEntry
	listErr error
}

func (s *memStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListSubscriptions(ctx context.Context, category string) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []storage.Subscription
	for _, sub := range s.subs {
		if sub.Category == category {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) PutSubscription(ctx context.Context, sub storage.Subscription) error {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteSubscription(ctx context.Context, guildID int64, category string) error {
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) auditRows() []storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEntry(nil), s.audit...)
}

// stubAdapter resolves every chat, records sends and edits.
type stubAdapter struct {
	mu     sync.Mutex
	nextID int
	sent   []sentMsg
	edits  []sentMsg
	gone   map[int64]bool
}

type sentMsg struct {
	Chat kit.ChatTarget
	Ref  kit.MessageRef
	Text string
}

func (a *stubAdapter) Start(ctx context.Context) error { return nil }
func (a *stubAdapter) Stop(ctx context.Context) error  { return nil }

func (a *stubAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}
	a.sent = append(a.sent, sentMsg{Chat: to, Ref: ref, Text: text})
	return ref, nil
}

func (a *stubAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	a.edits = append(a.edits, sentMsg{Ref: ref, Text: text})
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) ResolveChat(ctx context.Context, chatID int64) (kit.ChatTarget, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gone[chatID] {
		return kit.ChatTarget{}, false, nil
	}
	return kit.ChatTarget{ChatID: chatID}, true, nil
}

func (a *stubAdapter) sentMessages() []sentMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMsg(nil), a.sent...)
}

func (a *stubAdapter) editedMessages() []sentMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMsg(nil), a.edits...)
}

// recordHooks is a minimal Hooks implementation for pipeline-shape tests.
type recordHooks struct {
	mu        sync.Mutex
	beforeErr error
	afterErr  error
	targets   []Target
	stages    []string
}

func (h *recordHooks) Before(ctx context.Context, ev roster.ModeratorChanged) error {
	h.mu.Lock()
	h.stages = append(h.stages, "before")
	h.mu.Unlock()
	return h.beforeErr
}

func (h *recordHooks) Broadcast(ctx context.Context, ev roster.ModeratorChanged, targets []Target) (Summary, error) {
	h.mu.Lock()
	h.stages = append(h.stages, "broadcast")
	h.targets = append([]Target(nil), targets...)
	h.mu.Unlock()
	return Summary{Delivered: len(targets)}, nil
}

func (h *recordHooks) After(ctx context.Context, ev roster.ModeratorChanged, sum Summary) error {
	h.mu.Lock()
	h.stages = append(h.stages, "after")
	h.mu.Unlock()
	return h.afterErr
}

func modEvent() roster.ModeratorChanged {
	return roster.ModeratorChanged{Promoted: true, Moderator: roster.Moderator{AccountID: 1, Name: "Alice"}}
}

func TestConsumeAbortsWhenStoreFails(t *testing.T) {
	store := &memStore{listErr: errors.New("db gone")}
	hooks := &recordHooks{}
	c := New[roster.ModeratorChanged](store, &stubAdapter{}, hooks, logx.Nop())

	if err := c.Consume(context.Background(), modEvent()); err == nil {
		t.Fatalf("expected error when subscription store fails")
	}
	for _, s := range hooks.stages {
		if s == "broadcast" {
			t.Fatalf("broadcast ran despite resolution failure")
		}
	}
}

func TestConsumeAbortsWhenBeforeFails(t *testing.T) {
	store := &memStore{}
	hooks := &recordHooks{beforeErr: errors.New("reserve failed")}
	c := New[roster.ModeratorChanged](store, &stubAdapter{}, hooks, logx.Nop())

	if err := c.Consume(context.Background(), modEvent()); err == nil {
		t.Fatalf("expected before-hook error to abort the event")
	}
	if len(hooks.stages) != 1 || hooks.stages[0] != "before" {
		t.Fatalf("unexpected stages: %v", hooks.stages)
	}
}

func TestConsumeAfterFailureDoesNotFailEvent(t *testing.T) {
	store := &memStore{subs: []storage.Subscription{{GuildID: 1, Category: roster.CategoryModPromoted, ChatID: 100}}}
	hooks := &recordHooks{afterErr: errors.New("audit down")}
	c := New[roster.ModeratorChanged](store, &stubAdapter{}, hooks, logx.Nop())

	if err := c.Consume(context.Background(), modEvent()); err != nil {
		t.Fatalf("after-hook failure must not fail the event: %v", err)
	}
	if len(hooks.stages) != 3 {
		t.Fatalf("expected full pipeline, got %v", hooks.stages)
	}
}

func TestConsumeDropsUnreachableSubscribers(t *testing.T) {
	store := &memStore{subs: []storage.Subscription{
		{GuildID: 1, Category: roster.CategoryModPromoted, ChatID: 100},
		{GuildID: 2, Category: roster.CategoryModPromoted, ChatID: 200, ThreadID: 7},
		{GuildID: 3, Category: roster.CategoryModPromoted, ChatID: 300},
	}}
	ad := &stubAdapter{gone: map[int64]bool{200: true}}
	hooks := &recordHooks{}
	c := New[roster.ModeratorChanged](store, ad, hooks, logx.Nop())

	if err := c.Consume(context.Background(), modEvent()); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(hooks.targets) != 2 {
		t.Fatalf("expected 2 reachable targets, got %+v", hooks.targets)
	}
	for _, tg := range hooks.targets {
		if tg.Chat.ChatID == 200 {
			t.Fatalf("unreachable chat was not dropped")
		}
	}
}

func TestThreadIDOverridesResolvedChat(t *testing.T) {
	store := &memStore{subs: []storage.Subscription{
		{GuildID: 2, Category: roster.CategoryModPromoted, ChatID: 200, ThreadID: 7},
	}}
	hooks := &recordHooks{}
	c := New[roster.ModeratorChanged](store, &stubAdapter{}, hooks, logx.Nop())

	if err := c.Consume(context.Background(), modEvent()); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(hooks.targets) != 1 || hooks.targets[0].Chat.ThreadID != 7 {
		t.Fatalf("expected subscription thread id on target, got %+v", hooks.targets)
	}
}

func startEngine(t *testing.T, store storage.Store, ad *stubAdapter) (*Engine, *reconcile.Registry, func()) {
	t.Helper()
	bc := broadcast.New(broadcast.Config{Workers: 2, RatePerSec: 1000, MinBackoff: time.Millisecond}, ad, nil, logx.Nop())
	reg := reconcile.New(reconcile.Config{}, nil, logx.Nop())
	eng := NewEngine(Deps{
		Store:     store,
		Resolver:  ad,
		Adapter:   ad,
		Broadcast: bc,
		Registry:  reg,
		Rotations: cache.New[string, roster.Rotation](),
	})
	ctx, cancel := context.WithCancel(context.Background())
	bc.Start(ctx)
	return eng, reg, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		bc.Stop(stopCtx)
		stopCancel()
		cancel()
	}
}

func TestLevelAddedEndToEnd(t *testing.T) {
	store := &memStore{subs: []storage.Subscription{
		{GuildID: 1, Category: roster.CategoryLevelAdded, ChatID: 100, RoleTag: "@levels"},
		{GuildID: 2, Category: roster.CategoryLevelAdded, ChatID: 200},
	}}
	ad := &stubAdapter{}
	eng, reg, stop := startEngine(t, store, ad)
	defer stop()

	lvl := roster.Level{ID: 77, Name: "Aftermath", Author: "Kiri", Verifier: "Zoe", Position: 3}
	err := eng.HandleLevelsAdded(context.Background(), roster.LevelsAdded{Levels: []roster.Level{lvl}})
	if err != nil {
		t.Fatalf("HandleLevelsAdded: %v", err)
	}

	sent := ad.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	for _, m := range sent {
		tagged := strings.HasPrefix(m.Text, "@levels ")
		if m.Chat.ChatID == 100 && !tagged {
			t.Fatalf("expected role tag prefix for chat 100, got %q", m.Text)
		}
		if m.Chat.ChatID == 200 && tagged {
			t.Fatalf("unexpected role tag for untagged chat: %q", m.Text)
		}
	}

	// Delivered handles must be registered for later edits.
	handles, ok := reg.Handles(77)
	if !ok || len(handles) != 2 {
		t.Fatalf("expected 2 registered handles, got %v (ok=%v)", handles, ok)
	}

	rows := store.auditRows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if rows[0].EntityID != 77 || rows[0].OK != 2 || rows[0].Fail != 0 {
		t.Fatalf("unexpected audit row: %+v", rows[0])
	}
}

func TestLevelUpdatedEditsDeliveredMessages(t *testing.T) {
	store := &memStore{subs: []storage.Subscription{
		{GuildID: 1, Category: roster.CategoryLevelAdded, ChatID: 100},
	}}
	ad := &stubAdapter{}
	eng, _, stop := startEngine(t, store, ad)
	defer stop()

	before := roster.Level{ID: 5, Name: "Cataclysm", Author: "Gg", Verifier: "Vv", Position: 4}
	err := eng.HandleLevelsAdded(context.Background(), roster.LevelsAdded{Levels: []roster.Level{before}})
	if err != nil {
		t.Fatalf("HandleLevelsAdded: %v", err)
	}

	after := before
	after.Position = 2
	err = eng.HandleLevelUpdated(context.Background(), roster.LevelUpdated{Before: before, After: after})
	if err != nil {
		t.Fatalf("HandleLevelUpdated: %v", err)
	}

	edits := ad.editedMessages()
	if len(edits) != 1 {
		t.Fatalf("expected 1 edit, got %d", len(edits))
	}
	if !strings.Contains(edits[0].Text, "#2") {
		t.Fatalf("edited text does not reflect new position: %q", edits[0].Text)
	}
	if strings.HasPrefix(edits[0].Text, "@") {
		t.Fatalf("edit must not repeat the role mention: %q", edits[0].Text)
	}
}

func TestUpdateBeforeAddedCompletesIsDeferred(t *testing.T) {
	ad := &stubAdapter{}
	bc := broadcast.New(broadcast.Config{Workers: 1, RatePerSec: 1000, MinBackoff: time.Millisecond}, ad, nil, logx.Nop())
	reg := reconcile.New(reconcile.Config{}, nil, logx.Nop())
	hooks := NewLevelUpdatedHooks(bc, reg, ad, logx.Nop())

	before := roster.Level{ID: 9, Name: "Zodiac", Position: 8}
	after := before
	after.Position = 6

	// The "added" broadcast has begun but not completed.
	reg.Begin([]int64{9})
	reg.Started(9)

	sum, err := hooks.Broadcast(context.Background(), roster.LevelUpdated{Before: before, After: after}, nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if sum.Delivered != 0 || sum.Failed != 0 {
		t.Fatalf("expected empty summary with no subscribers, got %+v", sum)
	}
	if len(ad.editedMessages()) != 0 {
		t.Fatalf("edit ran before the added broadcast completed")
	}

	reg.Complete(context.Background(), 9, []kit.MessageRef{{ChatID: 1, MessageID: 3}})
	edits := ad.editedMessages()
	if len(edits) != 1 {
		t.Fatalf("expected deferred edit to flush, got %d", len(edits))
	}
}
