package app

import (
	"context"
	"fmt"

	"rosterbot/internal/config"
	"rosterbot/internal/notify/broadcast"
	"rosterbot/internal/notify/reconcile"
	"rosterbot/internal/scan"
	"rosterbot/internal/storage"
)

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	backoff, err := config.ParseDurationField("broadcast.min_backoff", cfg.Broadcast.MinBackoff)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		QueueSize:  cfg.Broadcast.QueueSize,
		RatePerSec: cfg.Broadcast.RatePerSec,
		SweepMax:   cfg.Broadcast.SweepMax,
		MinBackoff: backoff,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	ttl, err := config.ParseDurationField("reconcile.slot_ttl", cfg.Reconcile.SlotTTL)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		SlotTTL:  ttl,
		QueueMax: cfg.Reconcile.QueueMax,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapScanConfig(cfg *config.Config) (scan.Config, error) {
	timeout, err := config.ParseDurationField("scan.default_timeout", cfg.Scan.DefaultTimeout)
	if err != nil {
		return scan.Config{}, err
	}
	return scan.Config{
		Enabled:        cfg.Scan.Enabled,
		Workers:        cfg.Scan.Workers,
		Timezone:       cfg.Scan.Timezone,
		DefaultTimeout: timeout,
	}, nil
}

// validateConfig gates hot reloads; a config that fails here is rejected
// without touching the running services.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReconcileConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScanConfig(cfg); err != nil {
		return err
	}
	return nil
}
