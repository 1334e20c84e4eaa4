package extension

import "time"

// Store backends selectable from configuration.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMongo    = "mongo"
)

// Config holds the bonus extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.bonus" or "bonus" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Store selects the backend: memory, postgres, sqlite or mongo
	// (default: memory). Ignored when a store is passed with WithStore.
	Store string `json:"store" mapstructure:"store" yaml:"store"`

	// DSN is the connection string of the selected backend: a postgres URL,
	// a sqlite file path or a mongodb URI.
	DSN string `json:"dsn" mapstructure:"dsn" yaml:"dsn"`

	// Database is the mongo database name (default: "bonus").
	Database string `json:"database" mapstructure:"database" yaml:"database"`

	// RedisAddr enables the distributed per-user locker. Leave empty when a
	// single engine instance owns the store.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// LockTTL is how long a redis lease survives a crashed holder (default: 30s).
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// Scheduler runs the daily reset and weekly sweep inside the engine.
	Scheduler bool `json:"scheduler" mapstructure:"scheduler" yaml:"scheduler"`

	// Timezone is the IANA zone the scheduler's midnights are taken in
	// (default: "Asia/Kolkata").
	Timezone string `json:"timezone" mapstructure:"timezone" yaml:"timezone"`

	// WeeklySweepDay is the weekday whose midnight triggers the weekly sweep
	// (default: "monday").
	WeeklySweepDay string `json:"weekly_sweep_day" mapstructure:"weekly_sweep_day" yaml:"weekly_sweep_day"`

	// MaxHops bounds a single propagation walk (default: 10000).
	MaxHops int `json:"max_hops" mapstructure:"max_hops" yaml:"max_hops"`

	// Concurrency bounds the fan-out of scheduled jobs (default: 16).
	Concurrency int `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`

	// Metrics registers the Prometheus metrics plugin.
	Metrics bool `json:"metrics" mapstructure:"metrics" yaml:"metrics"`

	// AuditBrokers and AuditTopic enable the Kafka audit trail.
	AuditBrokers []string `json:"audit_brokers" mapstructure:"audit_brokers" yaml:"audit_brokers"`
	AuditTopic   string   `json:"audit_topic" mapstructure:"audit_topic" yaml:"audit_topic"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store:          StoreMemory,
		Database:       "bonus",
		LockTTL:        30 * time.Second,
		Timezone:       "Asia/Kolkata",
		WeeklySweepDay: "monday",
		MaxHops:        10_000,
		Concurrency:    16,
		AuditTopic:     "bonus.audit",
	}
}
