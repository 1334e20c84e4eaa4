package extension

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata" // scheduler zones on hosts without a zoneinfo database

	"github.com/redis/go-redis/v9"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/locker"
	"github.com/xraph/bonus/store"
	"github.com/xraph/bonus/store/memory"
	"github.com/xraph/bonus/store/mongo"
	"github.com/xraph/bonus/store/postgres"
	"github.com/xraph/bonus/store/sqlite"
)

// OpenStore opens the backend named by cfg.Store.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", StoreMemory:
		return memory.New(), nil
	case StorePostgres, "pg":
		if cfg.DSN == "" {
			return nil, bonus.ValidationError{Field: "dsn", Message: "required for postgres"}
		}
		return postgres.Open(ctx, cfg.DSN)
	case StoreSQLite:
		if cfg.DSN == "" {
			return nil, bonus.ValidationError{Field: "dsn", Message: "required for sqlite"}
		}
		return sqlite.Open(cfg.DSN)
	case StoreMongo, "mongodb":
		if cfg.DSN == "" {
			return nil, bonus.ValidationError{Field: "dsn", Message: "required for mongo"}
		}
		db := cfg.Database
		if db == "" {
			db = DefaultConfig().Database
		}
		return mongo.Open(cfg.DSN, db)
	default:
		return nil, bonus.ValidationError{Field: "store", Message: fmt.Sprintf("unknown backend %q", cfg.Store)}
	}
}

// NewLocker returns a Redis locker when cfg.RedisAddr is set, nil otherwise.
// The caller owns the returned client.
func NewLocker(cfg Config) (locker.Locker, *redis.Client) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultConfig().LockTTL
	}
	return locker.NewRedis(client, locker.WithTTL(ttl)), client
}

// EngineOptions converts cfg into engine options.
func EngineOptions(cfg Config, logger *slog.Logger) ([]bonus.Option, error) {
	opts := []bonus.Option{
		bonus.WithMaxHops(cfg.MaxHops),
		bonus.WithConcurrency(cfg.Concurrency),
	}
	if logger != nil {
		opts = append(opts, bonus.WithLogger(logger))
	}

	if cfg.Scheduler {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, bonus.ValidationError{Field: "timezone", Message: err.Error()}
		}
		day, err := ParseWeekday(cfg.WeeklySweepDay)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bonus.WithScheduler(bonus.SchedulerConfig{
			Enabled:     true,
			Location:    loc,
			WeeklySweep: day,
		}))
	}
	return opts, nil
}

// ParseWeekday accepts full or three-letter English day names. An empty
// string means Monday.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, bonus.ValidationError{Field: "weekly_sweep_day", Message: fmt.Sprintf("unknown weekday %q", s)}
}
