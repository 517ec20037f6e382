package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rosterbot/internal/notify/render"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	attempts map[int64]int
	nextID   int

	// fail decides the outcome of attempt n (1-based) for a chat; nil means success.
	fail func(chatID int64, attempt int) error
}

func newFakeAdapter(fail func(chatID int64, attempt int) error) *fakeAdapter {
	return &fakeAdapter{attempts: map[int64]int{}, fail: fail}
}

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[to.ChatID]++
	if f.fail != nil {
		if err := f.fail(to.ChatID, f.attempts[to.ChatID]); err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.nextID++
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) attemptCount(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[chatID]
}

func startService(t *testing.T, ad *fakeAdapter, cfg Config) (*Service, func()) {
	t.Helper()
	svc := New(cfg, ad, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	return svc, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		svc.Stop(stopCtx)
		stopCancel()
		cancel()
	}
}

func submitAndWait(t *testing.T, svc *Service, j Job) []Outcome {
	t.Helper()
	done := make(chan []Outcome, 1)
	j.OnComplete = func(outcomes []Outcome) { done <- outcomes }
	if _, err := svc.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case outcomes := <-done:
		return outcomes
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not complete")
		return nil
	}
}

func TestJobCompletesWithAllOutcomes(t *testing.T) {
	ad := newFakeAdapter(nil)
	svc, stop := startService(t, ad, Config{Workers: 2, RatePerSec: 1000, MinBackoff: time.Millisecond})
	defer stop()

	targets := []kit.ChatTarget{{ChatID: 1}, {ChatID: 2}, {ChatID: 3}}
	outcomes := submitAndWait(t, svc, Job{
		Name:    "test",
		Targets: targets,
		Render:  func(kit.ChatTarget) render.Message { return render.Message{Text: "hi"} },
	})

	if len(outcomes) != len(targets) {
		t.Fatalf("expected %d outcomes, got %d", len(targets), len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Delivered() {
			t.Fatalf("unexpected failure for chat %d: %v", o.Target.ChatID, o.Err)
		}
		if o.Ref.MessageID == 0 {
			t.Fatalf("delivered outcome has no message ref")
		}
	}
}

func TestPartialFailureDoesNotBlockOthers(t *testing.T) {
	boom := errors.New("chat is deactivated")
	ad := newFakeAdapter(func(chatID int64, attempt int) error {
		if chatID == 2 {
			return boom
		}
		return nil
	})
	svc, stop := startService(t, ad, Config{Workers: 1, RatePerSec: 1000, MinBackoff: time.Millisecond})
	defer stop()

	outcomes := submitAndWait(t, svc, Job{
		Name:    "test",
		Targets: []kit.ChatTarget{{ChatID: 1}, {ChatID: 2}, {ChatID: 3}},
		Render:  func(kit.ChatTarget) render.Message { return render.Message{Text: "hi"} },
	})

	delivered, failed := 0, 0
	for _, o := range outcomes {
		if o.Delivered() {
			delivered++
		} else {
			failed++
			if !errors.Is(o.Err, boom) {
				t.Fatalf("unexpected error: %v", o.Err)
			}
		}
	}
	if delivered != 2 || failed != 1 {
		t.Fatalf("expected 2 delivered / 1 failed, got %d/%d", delivered, failed)
	}
}

func TestRateLimitedTargetIsRetried(t *testing.T) {
	ad := newFakeAdapter(func(chatID int64, attempt int) error {
		if chatID == 2 && attempt == 1 {
			return &kit.RateLimitedError{RetryAfter: 5 * time.Millisecond}
		}
		return nil
	})
	svc, stop := startService(t, ad, Config{Workers: 1, RatePerSec: 1000, MinBackoff: time.Millisecond})
	defer stop()

	outcomes := submitAndWait(t, svc, Job{
		Name:    "test",
		Targets: []kit.ChatTarget{{ChatID: 1}, {ChatID: 2}},
		Render:  func(kit.ChatTarget) render.Message { return render.Message{Text: "hi"} },
	})

	for _, o := range outcomes {
		if !o.Delivered() {
			t.Fatalf("expected all delivered after retry, chat %d failed: %v", o.Target.ChatID, o.Err)
		}
	}
	if got := ad.attemptCount(2); got != 2 {
		t.Fatalf("expected 2 attempts for rate-limited chat, got %d", got)
	}
	// Already-delivered targets must not be re-sent on the retry sweep.
	if got := ad.attemptCount(1); got != 1 {
		t.Fatalf("expected 1 attempt for healthy chat, got %d", got)
	}
}

func TestSweepCapTerminatesJob(t *testing.T) {
	ad := newFakeAdapter(func(chatID int64, attempt int) error {
		return &kit.RateLimitedError{RetryAfter: time.Millisecond}
	})
	svc, stop := startService(t, ad, Config{Workers: 1, RatePerSec: 1000, SweepMax: 2, MinBackoff: time.Millisecond})
	defer stop()

	outcomes := submitAndWait(t, svc, Job{
		Name:    "test",
		Targets: []kit.ChatTarget{{ChatID: 7}},
		Render:  func(kit.ChatTarget) render.Message { return render.Message{Text: "hi"} },
	})

	if len(outcomes) != 1 || outcomes[0].Delivered() {
		t.Fatalf("expected a terminal failure, got %+v", outcomes)
	}
	if _, ok := kit.RetryAfter(outcomes[0].Err); !ok {
		t.Fatalf("expected the rate-limit error to surface, got %v", outcomes[0].Err)
	}
	// initial attempt + SweepMax retries
	if got := ad.attemptCount(7); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	ad := newFakeAdapter(nil)
	svc := New(Config{QueueSize: 1}, ad, nil, logx.Nop())
	// not started: jobs stay queued

	j := Job{Name: "test", Targets: []kit.ChatTarget{{ChatID: 1}}, Render: func(kit.ChatTarget) render.Message { return render.Message{Text: "hi"} }}
	if _, err := svc.Submit(j); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := svc.Submit(j); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
