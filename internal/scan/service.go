// Package scan triggers the registered scan functions on cron schedules.
//
// The scanning/diffing logic itself lives behind the registered functions
// (typically wrapping roster.Source); this service only owns the timing, the
// worker offload, and overlap control. Cron callbacks never block on network
// work: they enqueue, and a small worker pool runs the scans.
package scan

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rosterbot/internal/eventbus"
	logx "rosterbot/pkg/logx"
)

type Config struct {
	Enabled        bool
	Workers        int
	QueueSize      int
	Timezone       string // IANA TZ, e.g. "Europe/Berlin"
	DefaultTimeout time.Duration
}

type Func func(ctx context.Context) error

type def struct {
	name    string
	spec    string
	timeout time.Duration
	run     Func
	entryID cron.EntryID
	running bool
}

type task struct {
	name    string
	timeout time.Duration
	run     Func
	d       *def
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*def

	queue    chan task
	stopCh   chan struct{}
	workerWG sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	return &Service{
		log:    log,
		bus:    bus,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		queue:  make(chan task, cfg.QueueSize),
	}
}

// Add registers a named scan. Supported specs: standard five-field cron,
// "@hourly"-style descriptors, and "@every 90s". Registering the same name
// again replaces the previous schedule.
func (s *Service) Add(name, spec string, timeout time.Duration, run Func) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: spec, timeout: timeout, run: run}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.registerLocked(d)
	}
	// Not started yet: definitions register when Start() runs.
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("scan register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}

	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	queue := s.queue
	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scan worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, queue)
		}()
	}

	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)), logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.stopCh = nil
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// registerLocked wires one definition into the running cron. Call with s.mu
// held and s.c non-nil.
func (s *Service) registerLocked(d *def) error {
	eid, err := s.c.AddFunc(d.spec, func() {
		s.mu.Lock()
		if d.running {
			s.mu.Unlock()
			s.log.Debug("scan skipped (previous run still running)", logx.String("scan", d.name))
			return
		}
		q := s.queue
		s.mu.Unlock()

		select {
		case q <- task{name: d.name, timeout: d.timeout, run: d.run, d: d}:
		default:
			s.log.Warn("scan queue full; dropping tick", logx.String("scan", d.name))
		}
	})
	if err == nil {
		d.entryID = eid
		s.log.Debug("scan registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout))
	}
	return err
}

func (s *Service) removeLocked(name string) {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	s.mu.Lock()
	t.d.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		t.d.running = false
		s.mu.Unlock()
	}()

	runCtx := ctx
	var cancel func()
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	err := t.run(runCtx)
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("scan failed", logx.String("scan", t.name), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeScanFailed, Data: map[string]any{
				"scan": t.name,
				"err":  err.Error(),
				"dur":  dur.String(),
			}})
		}
		return
	}
	// Avoid noisy logs for very frequent scans: only elevate to INFO when it
	// took noticeable time.
	if dur >= 750*time.Millisecond {
		s.log.Info("scan completed", logx.String("scan", t.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("scan completed", logx.String("scan", t.name), logx.Duration("dur", dur))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Next previews the next run time of a registered scan (zero if unknown).
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	for _, d := range s.defs {
		if d.name == name && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next
		}
	}
	return time.Time{}
}
