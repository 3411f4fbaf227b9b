package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Admins are principals allowed to cancel any change and run table
	// maintenance. Empty means no principal checks (single-operator setup).
	Admins []string `json:"admins,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the change store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./untild.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: system local
//   - tick_interval: "60s"
//   - max_batch: 50
//   - retry_max: 0 (retry failing appliers forever, next tick each time)
//   - maintenance_interval: "24h"
//   - retention_days: 90
//   - notification_max_age: "720h" (30 days)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the reference timezone (IANA name, e.g. "Europe/Madrid").
	// All "now" comparisons and absolute-time inputs are interpreted in it.
	Timezone string `json:"timezone,omitempty"`

	TickInterval string `json:"tick_interval,omitempty"`
	MaxBatch     int    `json:"max_batch,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`

	MaintenanceInterval string `json:"maintenance_interval,omitempty"`
	RetentionDays       int    `json:"retention_days,omitempty"`
	NotificationMaxAge  string `json:"notification_max_age,omitempty"`
}
