package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

type attempt struct {
	idx int
	ref kit.MessageRef
	err error
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()

	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	adapter := s.adapter
	sweepMax := s.cfg.SweepMax
	minBackoff := s.cfg.MinBackoff
	s.mu.Unlock()

	s.log.Info("broadcast job started", logx.String("job", j.id), logx.String("name", j.Name), logx.Int("total", len(j.Targets)))

	outcomes := make([]Outcome, len(j.Targets))
	pending := make([]int, 0, len(j.Targets))
	for i := range j.Targets {
		outcomes[i].Target = j.Targets[i]
		pending = append(pending, i)
	}

	sweep := 0
	for len(pending) > 0 {
		results := make(chan attempt, len(pending))
		for _, i := range pending {
			go s.sendOne(ctx, adapter, lim, j, i, results)
		}

		var wait time.Duration
		next := pending[:0]
		for n := 0; n < cap(results); n++ {
			r := <-results
			if r.err == nil {
				outcomes[r.idx].Ref = r.ref
				outcomes[r.idx].Err = nil
				s.log.Debug("message delivered", logx.String("job", j.id), logx.Int64("chat_id", r.ref.ChatID), logx.Int("message_id", r.ref.MessageID))
				continue
			}
			if after, ok := kit.RetryAfter(r.err); ok && sweep < sweepMax {
				// Stays pending: the whole sweep waits the maximum requested
				// backoff once, then re-attempts every pending target.
				next = append(next, r.idx)
				if after > wait {
					wait = after
				}
				continue
			}
			outcomes[r.idx].Err = r.err
			s.log.Warn("send failed", logx.String("job", j.id), logx.String("name", j.Name), logx.Int64("chat_id", j.Targets[r.idx].ChatID), logx.Err(r.err))
		}

		pending = next
		if len(pending) == 0 {
			break
		}
		sweep++
		if wait < minBackoff {
			wait = minBackoff
		}
		s.log.Debug("rate limited; sweep backoff", logx.String("job", j.id), logx.Int("pending", len(pending)), logx.Int("sweep", sweep), logx.Duration("wait", wait))

		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			for _, i := range pending {
				outcomes[i].Err = ctx.Err()
			}
			pending = pending[:0]
		case <-tmr.C:
		}
	}

	took := time.Since(start)
	delivered, failed := 0, 0
	for _, o := range outcomes {
		if o.Delivered() {
			delivered++
		} else {
			failed++
		}
	}
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.Name),
		logx.Int("total", len(outcomes)),
		logx.Int("failed", failed),
		logx.Duration("dur", took),
	}
	if failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}

	s.publishCompleted(j, outcomes, took)
	if j.OnComplete != nil {
		j.OnComplete(outcomes)
	}
}

func (s *Service) sendOne(ctx context.Context, adapter kit.Adapter, lim *rate.Limiter, j job, idx int, results chan<- attempt) {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			results <- attempt{idx: idx, err: err}
			return
		}
	}
	t := j.Targets[idx]
	msg := j.Render(t)
	ref, err := adapter.SendText(ctx, t, msg.Text, msg.Options)
	results <- attempt{idx: idx, ref: ref, err: err}
}
