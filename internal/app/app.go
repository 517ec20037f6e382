// Package app constructs and owns every service of the bot. Lifecycle is
// explicit: the caller builds an App, starts it, and stops it; nothing in
// this repo reaches for a lazily initialized global.
package app

import (
	"context"
	"sync"
	"time"

	"rosterbot/internal/cache"
	"rosterbot/internal/config"
	"rosterbot/internal/eventbus"
	"rosterbot/internal/notify/broadcast"
	"rosterbot/internal/notify/reconcile"
	"rosterbot/internal/roster"
	"rosterbot/internal/roster/consume"
	"rosterbot/internal/scan"
	"rosterbot/internal/storage"
	telegram "rosterbot/internal/transport/telegram/adapter"
	logx "rosterbot/pkg/logx"
)

// Scanner detects changes in the watched game state and feeds the engine.
// Implementations live outside this module (the diffing logic is not part of
// the notification engine); the app only owns their scheduling.
type Scanner interface {
	ScanRoster(ctx context.Context, engine *consume.Engine) error
	ScanRotations(ctx context.Context, engine *consume.Engine) error
	ScanModerators(ctx context.Context, engine *consume.Engine) error
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	store   storage.Store

	rotations *cache.Cache[string, roster.Rotation]
	levels    *cache.Cache[string, []roster.Level]

	bc     *broadcast.Service
	reg    *reconcile.Registry
	engine *consume.Engine
	scans  *scan.Service

	scanner Scanner
	source  roster.Source

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store == nil {
		log.Warn("storage disabled; subscriptions and audit unavailable")
	} else {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	bc := broadcast.New(bcCfg, ad, bus, log.With(logx.String("comp", "broadcast")))

	regCfg, err := mapReconcileConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	reg := reconcile.New(regCfg, bus, log.With(logx.String("comp", "reconcile")))

	rotations := cache.New[string, roster.Rotation]()
	levels := cache.New[string, []roster.Level]()

	engine := consume.NewEngine(consume.Deps{
		Log:       log.With(logx.String("comp", "consume")),
		Store:     store,
		Resolver:  ad,
		Adapter:   ad,
		Broadcast: bc,
		Registry:  reg,
		Rotations: rotations,
	})

	scanCfg, err := mapScanConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	scans := scan.New(scanCfg, bus, log.With(logx.String("comp", "scan")))

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		adapter:   ad,
		store:     store,
		rotations: rotations,
		levels:    levels,
		bc:        bc,
		reg:       reg,
		engine:    engine,
		scans:     scans,
	}, nil
}

// Engine exposes the change-event entry points for external callers (the
// scanner, tests, one-shot tooling).
func (a *App) Engine() *consume.Engine { return a.engine }

// Store exposes subscription CRUD for external configuration tooling.
func (a *App) Store() storage.Store { return a.store }

// SetScanner installs the change detector. Must be called before Start.
func (a *App) SetScanner(s Scanner) { a.scanner = s }

// SetSource installs the upstream game API; reads go through the TTL caches.
// Must be called before Start.
func (a *App) SetSource(src roster.Source) {
	cfg := a.cfgm.Get()
	rotTTL, _ := config.ParseDurationOrDefault("cache.rotation_ttl", cfg.Cache.RotationTTL, 30*time.Minute)
	lvlTTL, _ := config.ParseDurationOrDefault("cache.levels_ttl", cfg.Cache.LevelsTTL, 5*time.Minute)
	a.source = roster.NewCachedSource(src, a.rotations, a.levels, rotTTL, lvlTTL)
}

// Source returns the cached upstream view (nil until SetSource).
func (a *App) Source() roster.Source { return a.source }

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	if err := a.adapter.Start(runCtx); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}
	a.bc.Start(runCtx)

	a.registerScans()
	a.scans.Start(runCtx)

	a.watchConfig(runCtx)
	a.watchBus(runCtx)

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	a.scans.Stop(ctx)
	a.bc.Stop(ctx)
	_ = a.adapter.Stop(ctx)
	cancel()
	a.runWG.Wait()

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) registerScans() {
	if a.scanner == nil {
		a.log.Info("no scanner installed; change detection is external")
		return
	}
	cfg := a.cfgm.Get()
	add := func(name, spec string, run scan.Func) {
		if spec == "" {
			return
		}
		if err := a.scans.Add(name, spec, 0, run); err != nil {
			a.log.Error("scan registration failed", logx.String("scan", name), logx.Err(err))
		}
	}
	add("roster", cfg.Scan.Roster, func(ctx context.Context) error {
		return a.scanner.ScanRoster(ctx, a.engine)
	})
	add("rotation", cfg.Scan.Rotation, func(ctx context.Context) error {
		return a.scanner.ScanRotations(ctx, a.engine)
	})
	add("moderators", cfg.Scan.Moderators, func(ctx context.Context) error {
		return a.scanner.ScanModerators(ctx, a.engine)
	})
}

// watchConfig hot-applies file changes to the running services.
func (a *App) watchConfig(ctx context.Context) {
	a.runWG.Add(2)

	go func() {
		defer a.runWG.Done()
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	sub := a.cfgm.Subscribe(1)
	go func() {
		defer a.runWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok || cfg == nil {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if bcCfg, err := mapBroadcastConfig(cfg); err == nil {
		a.bc.Apply(bcCfg)
	} else {
		a.log.Warn("broadcast config rejected", logx.Err(err))
	}
	a.log.Info("config applied")
}

// watchBus logs engine lifecycle events published on the bus.
func (a *App) watchBus(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		defer unsub()
		log := a.log.With(logx.String("comp", "events"))
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case eventbus.TypeBroadcastCompleted:
					if ce, ok := ev.Data.(broadcast.CompletedEvent); ok && ce.Failed > 0 {
						log.Warn("broadcast completed with failures", logx.String("name", ce.Name), logx.Int("failed", ce.Failed), logx.Int("total", ce.Total))
					}
				case eventbus.TypeReconcileFlushed:
					log.Debug("deferred edits flushed", logx.Any("data", ev.Data))
				case eventbus.TypeScanFailed:
					log.Debug("scan failure event", logx.Any("data", ev.Data))
				}
			}
		}
	}()
}
