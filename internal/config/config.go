// Package config loads the layered configuration of the sync client.
//
// Layers, lowest priority first: struct defaults, YAML file, .env file,
// TENANTSYNC_* environment variables.
package config

import (
	"time"
)

// Config is the complete client configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Remote    RemoteConfig    `koanf:"remote"`
	Auth      AuthConfig      `koanf:"auth"`
	Store     StoreConfig     `koanf:"store"`
	Queue     QueueConfig     `koanf:"queue"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Realtime  RealtimeConfig  `koanf:"realtime"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Sync      SyncConfig      `koanf:"sync"`
	Logging   LoggingConfig   `koanf:"logging"`
	Security  SecurityConfig  `koanf:"security"`
}

// ServerConfig configures the localhost UI API.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// RemoteConfig configures the remote API client.
type RemoteConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// RateLimit is the sustained request rate per second; zero disables it.
	RateLimit float64 `koanf:"rate_limit" validate:"gte=0"`
	RateBurst int     `koanf:"rate_burst" validate:"gte=1"`

	BreakerFailures int           `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
	FetchPageSize   int           `koanf:"fetch_page_size" validate:"gte=1,lte=1000"`
}

// AuthConfig configures token renewal.
type AuthConfig struct {
	RenewBefore        time.Duration `koanf:"renew_before" validate:"gte=0"`
	RefreshTimeout     time.Duration `koanf:"refresh_timeout" validate:"gt=0"`
	MaxRefreshFailures int           `koanf:"max_refresh_failures" validate:"gte=1"`
}

// StoreConfig configures the local persistent store.
type StoreConfig struct {
	Backend       string        `koanf:"backend" validate:"oneof=sqlite badger"`
	Path          string        `koanf:"path" validate:"required"`
	FlushDebounce time.Duration `koanf:"flush_debounce" validate:"gte=0"`
}

// QueueConfig configures the outbound sync queue.
type QueueConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gte=1"`
	BaseBackoff time.Duration `koanf:"base_backoff" validate:"gt=0"`
	MaxBackoff  time.Duration `koanf:"max_backoff" validate:"gt=0"`
	Concurrency int           `koanf:"concurrency" validate:"gte=1,lte=64"`
	MaxSize     int           `koanf:"max_size" validate:"gte=0"`
}

// MonitorConfig configures connectivity polling.
type MonitorConfig struct {
	Interval     time.Duration `koanf:"interval" validate:"gt=0"`
	MaxInterval  time.Duration `koanf:"max_interval" validate:"gt=0"`
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"gt=0"`
}

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	Enabled          bool          `koanf:"enabled"`
	URL              string        `koanf:"url" validate:"required_if=Enabled true,omitempty,url"`
	PingInterval     time.Duration `koanf:"ping_interval" validate:"gt=0"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
}

// SchedulerConfig configures the background drain loop and status poller.
type SchedulerConfig struct {
	DrainInterval  time.Duration `koanf:"drain_interval" validate:"gt=0"`
	StatusInterval time.Duration `koanf:"status_interval" validate:"gt=0"`
}

// SyncConfig configures the coordinator.
type SyncConfig struct {
	ConflictStrategy string        `koanf:"conflict_strategy" validate:"oneof=local_pending_wins remote_wins last_write_wins"`
	LongOffline      time.Duration `koanf:"long_offline" validate:"gte=0"`
	EntityTypes      []string      `koanf:"entity_types" validate:"dive,required,excludesall=/"`
	SubscriberBuffer int           `koanf:"subscriber_buffer" validate:"gte=1"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// SecurityConfig configures at-rest protection of the session.
type SecurityConfig struct {
	// SessionSecret seals the persisted session. When empty the session is
	// kept in memory only and the user signs in again after a restart.
	SessionSecret string `koanf:"session_secret"`
}

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by the config file and the environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7420",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Remote: RemoteConfig{
			BaseURL:         "http://127.0.0.1:8080",
			Timeout:         15 * time.Second,
			RateLimit:       20,
			RateBurst:       10,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			FetchPageSize:   200,
		},
		Auth: AuthConfig{
			RenewBefore:        2 * time.Minute,
			RefreshTimeout:     15 * time.Second,
			MaxRefreshFailures: 3,
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          "tenantsync.db",
			FlushDebounce: 500 * time.Millisecond,
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			BaseBackoff: time.Second,
			MaxBackoff:  5 * time.Minute,
			Concurrency: 4,
			MaxSize:     10000,
		},
		Monitor: MonitorConfig{
			Interval:     30 * time.Second,
			MaxInterval:  5 * time.Minute,
			ProbeTimeout: 5 * time.Second,
		},
		Realtime: RealtimeConfig{
			Enabled:          true,
			URL:              "ws://127.0.0.1:8080/api/v1/realtime",
			PingInterval:     30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DrainInterval:  15 * time.Second,
			StatusInterval: 2 * time.Second,
		},
		Sync: SyncConfig{
			ConflictStrategy: "local_pending_wins",
			LongOffline:      time.Hour,
			EntityTypes:      []string{},
			SubscriberBuffer: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
