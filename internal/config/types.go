package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Catalog  CatalogConfig  `json:"catalog"`
	Storage  StorageConfig  `json:"storage"`

	Relay       *RelayConfig       `json:"relay,omitempty"`
	Broadcast   *BroadcastConfig   `json:"broadcast,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs lists the privileged identities: exempt from relay,
	// allowed to run /broadcast.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// GroupLog is the chat that receives mirrored warn/error log lines.
	GroupLog int64 `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CatalogConfig points at the shops file. The catalog is loaded once at
// startup; changing the path requires a restart.
type CatalogConfig struct {
	Path string `json:"path"`
}

// StorageConfig selects the durable user-set backend.
//
// Driver values:
//   - "file" (default): journal + snapshot files next to Path
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RelayConfig tunes submission forwarding.
// SendTimeout bounds one transport call; a timeout counts as delivery failure.
type RelayConfig struct {
	SendTimeout string `json:"send_timeout,omitempty"`
}

// BroadcastConfig tunes admin fan-out.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 10
//   - send_timeout: "10s"
type BroadcastConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// MaintenanceConfig schedules user-store housekeeping (journal compaction /
// sqlite checkpoint). Spec is a standard cron expression; empty disables it.
type MaintenanceConfig struct {
	Spec string `json:"spec,omitempty"`
}
