package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rosterbot/internal/eventbus"
	"rosterbot/internal/notify/render"
	kit "rosterbot/internal/transport"
	logx "rosterbot/pkg/logx"
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// SweepMax caps rate-limit retry sweeps per job; targets still rate
	// limited after the last sweep end as Failed so every job terminates.
	SweepMax int
	// MinBackoff floors the shared sweep wait when the platform requests a
	// very small (or zero) retry-after.
	MinBackoff time.Duration
}

// Outcome is the final per-target result of one job.
type Outcome struct {
	Target kit.ChatTarget
	Ref    kit.MessageRef
	Err    error
}

func (o Outcome) Delivered() bool { return o.Err == nil }

// Job is one change event fanned out to a set of target chats.
//
// Render is invoked once per target per attempt to build that chat's message.
// OnComplete fires exactly once, when every target has a final outcome;
// outcome order is unspecified.
type Job struct {
	Name       string
	Targets    []kit.ChatTarget
	Render     func(kit.ChatTarget) render.Message
	OnComplete func(outcomes []Outcome)
}

type job struct {
	id string
	Job
}

// CompletedEvent is published on the event bus when a job finishes.
type CompletedEvent struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Total     int           `json:"total"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took"`
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	adapter kit.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	limiter *rate.Limiter
	queue   chan job
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
