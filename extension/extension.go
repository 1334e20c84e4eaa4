// Package extension provides the Forge extension adapter for the bonus
// engine.
//
// It implements the forge.Extension interface to integrate the engine into
// a Forge application with store selection, DI registration, and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.bonus" or "bonus" keys.
package extension

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/bonus"
	audithook "github.com/xraph/bonus/audit_hook"
	"github.com/xraph/bonus/locker"
	"github.com/xraph/bonus/observability"
	"github.com/xraph/bonus/store"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "bonus"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Binary-tree volume propagation and bonus matching engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the bonus engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *bonus.Engine
	store      store.Store
	locker     locker.Locker
	engineOpts []bonus.Option

	redis       *redis.Client
	auditWriter *kafka.Writer
}

// New creates a new bonus Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *bonus.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration, opens the
// store, builds the engine and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := OpenStore(ctx, e.config)
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	eng, err := bonus.New(e.store, opts...)
	if err != nil {
		return err
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*bonus.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension]. The engine migrates the store unless
// DisableMigrate is set.
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("bonus: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	var errs []error
	if e.engine != nil {
		errs = append(errs, e.engine.Stop())
	}
	if e.auditWriter != nil {
		errs = append(errs, e.auditWriter.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	e.MarkStopped()
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("bonus: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs engine options from the resolved config.
// Pass-through options come last so they win.
func (e *Extension) buildEngineOpts() ([]bonus.Option, error) {
	opts, err := EngineOptions(e.config, nil)
	if err != nil {
		return nil, err
	}

	if e.locker == nil {
		e.locker, e.redis = NewLocker(e.config)
	}
	if e.locker != nil {
		opts = append(opts, bonus.WithLocker(e.locker))
	}

	if e.config.Metrics {
		factory := observability.NewPrometheusFactory(nil)
		opts = append(opts, bonus.WithPlugin(observability.NewMetricsExtension(factory)))
	}

	if len(e.config.AuditBrokers) > 0 {
		e.auditWriter = audithook.NewKafkaWriter(e.config.AuditBrokers, e.config.AuditTopic, nil)
		opts = append(opts, bonus.WithPlugin(audithook.New(audithook.NewKafkaRecorder(e.auditWriter))))
	}

	return append(opts, e.engineOpts...), nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("bonus: configuration is required but not found in config files; " +
				"ensure 'extensions.bonus' or 'bonus' key exists in your config")
		}
		e.config = MergeWithDefaults(programmaticConfig)
	} else {
		e.config = MergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("bonus: configuration loaded",
		forge.F("store", e.config.Store),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("scheduler", e.config.Scheduler),
		forge.F("timezone", e.config.Timezone),
		forge.F("weekly_sweep_day", e.config.WeeklySweepDay),
		forge.F("redis_locker", e.config.RedisAddr != ""),
		forge.F("metrics", e.config.Metrics),
		forge.F("audit_topic", e.config.AuditTopic),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.bonus", "bonus"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("bonus: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("bonus: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// MergeWithDefaults fills zero-valued fields with defaults.
func MergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Store == "" {
		cfg.Store = defaults.Store
	}
	if cfg.Database == "" {
		cfg.Database = defaults.Database
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaults.Timezone
	}
	if cfg.WeeklySweepDay == "" {
		cfg.WeeklySweepDay = defaults.WeeklySweepDay
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = defaults.MaxHops
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.AuditTopic == "" {
		cfg.AuditTopic = defaults.AuditTopic
	}
	return cfg
}

// MergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func MergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.Scheduler {
		yamlConfig.Scheduler = true
	}
	if programmaticConfig.Metrics {
		yamlConfig.Metrics = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.Store == "" {
		yamlConfig.Store = programmaticConfig.Store
	}
	if yamlConfig.DSN == "" {
		yamlConfig.DSN = programmaticConfig.DSN
	}
	if yamlConfig.Database == "" {
		yamlConfig.Database = programmaticConfig.Database
	}
	if yamlConfig.RedisAddr == "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
	}
	if yamlConfig.Timezone == "" {
		yamlConfig.Timezone = programmaticConfig.Timezone
	}
	if yamlConfig.WeeklySweepDay == "" {
		yamlConfig.WeeklySweepDay = programmaticConfig.WeeklySweepDay
	}
	if yamlConfig.AuditTopic == "" {
		yamlConfig.AuditTopic = programmaticConfig.AuditTopic
	}
	if len(yamlConfig.AuditBrokers) == 0 {
		yamlConfig.AuditBrokers = programmaticConfig.AuditBrokers
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.LockTTL == 0 {
		yamlConfig.LockTTL = programmaticConfig.LockTTL
	}
	if yamlConfig.MaxHops == 0 {
		yamlConfig.MaxHops = programmaticConfig.MaxHops
	}
	if yamlConfig.Concurrency == 0 {
		yamlConfig.Concurrency = programmaticConfig.Concurrency
	}

	return MergeWithDefaults(yamlConfig)
}
