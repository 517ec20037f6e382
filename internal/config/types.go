package config

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Broadcast BroadcastConfig  `json:"broadcast"`
	Reconcile ReconcileConfig  `json:"reconcile,omitempty"`
	Cache     CacheConfig      `json:"cache,omitempty"`
	Storage   StorageConfig    `json:"storage"`
	Scan      ScanConfig       `json:"scan"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// BroadcastConfig controls the fan-out worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 10
//   - sweep_max: 5
//   - min_backoff: "1s"
type BroadcastConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	SweepMax   int    `json:"sweep_max,omitempty"`
	MinBackoff string `json:"min_backoff,omitempty"`
}

type ReconcileConfig struct {
	// SlotTTL bounds retention of completed/orphaned slots ("6h" default).
	SlotTTL  string `json:"slot_ttl,omitempty"`
	QueueMax int    `json:"queue_max,omitempty"`
}

type CacheConfig struct {
	RotationTTL string `json:"rotation_ttl,omitempty"`
	LevelsTTL   string `json:"levels_ttl,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScanConfig wires the cron triggers for the external scanner hooks.
// Empty spec disables that scan.
type ScanConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	Roster         string `json:"roster,omitempty"`
	Rotation       string `json:"rotation,omitempty"`
	Moderators     string `json:"moderators,omitempty"`
}
