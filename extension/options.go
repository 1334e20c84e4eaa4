package extension

import (
	"github.com/xraph/bonus"
	"github.com/xraph/bonus/locker"
	"github.com/xraph/bonus/plugin"
	"github.com/xraph/bonus/store"
)

// Option configures the bonus Forge extension.
type Option func(*Extension)

// WithStore sets the store for the bonus engine. It takes precedence over
// the configured backend.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLocker sets the per-user locker. It takes precedence over RedisAddr.
func WithLocker(l locker.Locker) Option {
	return func(e *Extension) {
		e.locker = l
	}
}

// WithEngineOption passes a bonus.Option through to the underlying engine.
func WithEngineOption(opt bonus.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a bonus plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, bonus.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBackend selects a store backend and its connection string.
func WithBackend(kind, dsn string) Option {
	return func(e *Extension) {
		e.config.Store = kind
		e.config.DSN = dsn
	}
}

// WithRedisLocker enables the distributed per-user locker at addr.
func WithRedisLocker(addr string) Option {
	return func(e *Extension) { e.config.RedisAddr = addr }
}

// WithScheduler runs the daily reset and weekly sweep inside the engine.
func WithScheduler() Option {
	return func(e *Extension) { e.config.Scheduler = true }
}

// WithMetrics registers the Prometheus metrics plugin.
func WithMetrics() Option {
	return func(e *Extension) { e.config.Metrics = true }
}

// WithAuditKafka publishes audit events to topic on brokers.
func WithAuditKafka(topic string, brokers ...string) Option {
	return func(e *Extension) {
		e.config.AuditTopic = topic
		e.config.AuditBrokers = brokers
	}
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
