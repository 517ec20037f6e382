package broadcast

import (
	"errors"
	"fmt"
	"time"

	logx "rosterbot/pkg/logx"
)

var ErrQueueFull = errors.New("broadcast queue full")

// Submit enqueues one job and returns its id.
//
// The queue survives Stop()/Start() cycles, so jobs submitted while the
// service is stopped stay pending and run on the next Start(). On ErrQueueFull
// the job was not accepted and OnComplete will never fire; the caller decides
// what to do with the event.
func (s *Service) Submit(j Job) (string, error) {
	id := fmt.Sprintf("bc:%d", time.Now().UnixNano())

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	select {
	case q <- job{id: id, Job: j}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", j.Name), logx.Int("total", len(j.Targets)), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return id, nil
	default:
		s.log.Warn("broadcast queue full; rejecting job", logx.String("job", id), logx.String("name", j.Name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return "", ErrQueueFull
	}
}
