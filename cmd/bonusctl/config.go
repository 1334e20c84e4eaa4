package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/extension"
	"github.com/xraph/bonus/store"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	store      string
	dsn        string
	json       bool
	verbose    bool
}

// fileConfig is the YAML layout. The engine settings sit under "bonus" so
// the same file can be handed to a Forge app.
type fileConfig struct {
	Bonus extension.Config `yaml:"bonus"`
}

// loadConfig resolves the configuration from file, environment and flags,
// in increasing precedence.
func (g *globals) loadConfig() (extension.Config, error) {
	var cfg extension.Config

	if g.configPath != "" {
		data, err := os.ReadFile(g.configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", g.configPath, err)
		}
		cfg = fc.Bonus
	}

	if v := os.Getenv("BONUS_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("BONUS_DSN"); v != "" {
		cfg.DSN = v
	}
	if g.store != "" {
		cfg.Store = g.store
	}
	if g.dsn != "" {
		cfg.DSN = g.dsn
	}

	// Jobs are run by the caller, never by a background worker here.
	cfg.Scheduler = false

	return extension.MergeWithDefaults(cfg), nil
}

func (g *globals) logger() *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the configured store without building an engine.
func (g *globals) openStore(ctx context.Context) (store.Store, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return extension.OpenStore(ctx, cfg)
}

// openEngine opens the store, builds an engine over it and returns a
// cleanup that closes both.
func (g *globals) openEngine(ctx context.Context) (*bonus.Engine, func(), error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	s, err := extension.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts, err := extension.EngineOptions(cfg, g.logger())
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}

	l, client := extension.NewLocker(cfg)
	if l != nil {
		opts = append(opts, bonus.WithLocker(l))
	}

	eng, err := bonus.New(s, opts...)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := eng.Stop(); err != nil {
			g.logger().Warn("bonusctl: close store", "error", err)
		}
		if client != nil {
			_ = client.Close()
		}
	}
	return eng, cleanup, nil
}

// emit prints v as JSON when --json is set, otherwise runs text.
func (g *globals) emit(w io.Writer, v any, text func(io.Writer)) error {
	if g.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
