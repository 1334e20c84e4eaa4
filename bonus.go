package bonus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/locker"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/plugin"
	"github.com/xraph/bonus/rank"
	"github.com/xraph/bonus/store"
	"github.com/xraph/bonus/volume"
)

// Engine is the volume propagation and bonus matching engine.
type Engine struct {
	store   store.Store
	locker  locker.Locker
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   func() time.Time

	// Rules
	fastTrack machine
	starMatch machine
	ladder    rank.Ladder
	grantMode rank.GrantMode
	charges   payout.Charges
	forceRank int
	maxHops   int

	// Fan-out and retries
	concurrency int
	retry       RetryPolicy

	// Background scheduler
	scheduler SchedulerConfig
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// RetryPolicy bounds how often a commit that lost a version race is
// retried.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// SchedulerConfig drives the daily reset and weekly sweep workers started by
// Start.
type SchedulerConfig struct {
	Enabled     bool
	Location    *time.Location
	WeeklySweep time.Weekday
}

// New creates a new Engine.
func New(s store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:       s,
		locker:      locker.NewLocal(),
		plugins:     plugin.NewRegistry(),
		logger:      slog.Default(),
		clock:       time.Now,
		fastTrack:   newFastTrack(DefaultFastTrackRules()),
		starMatch:   newStarMatch(DefaultStarMatchRules()),
		ladder:      rank.DefaultLadder(),
		grantMode:   rank.GrantDelta,
		charges:     payout.DefaultCharges(),
		maxHops:     10_000,
		concurrency: 16,
		retry: RetryPolicy{
			MaxTries:        8,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     250 * time.Millisecond,
		},
		scheduler: SchedulerConfig{
			Location:    time.Local,
			WeeklySweep: time.Monday,
		},
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.fastTrack.rules.Validate(); err != nil {
		return nil, fmt.Errorf("fast track rules: %w", err)
	}
	if err := e.starMatch.rules.Validate(); err != nil {
		return nil, fmt.Errorf("star match rules: %w", err)
	}
	if err := e.ladder.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRankLadder, err)
	}
	if e.grantMode != rank.GrantDelta && e.grantMode != rank.GrantFixed {
		return nil, ValidationError{Field: "star_grant_mode", Message: fmt.Sprintf("unknown mode %q", e.grantMode)}
	}

	return e, nil
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithLocker replaces the in-process per-user locker, e.g. with
// locker.NewRedis when several engines share a store.
func WithLocker(l locker.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithFastTrackRules replaces the Fast Track rules.
func WithFastTrackRules(r MatchRules) Option {
	return func(e *Engine) { e.fastTrack = newFastTrack(r) }
}

// WithStarMatchRules replaces the Star Matching rules.
func WithStarMatchRules(r MatchRules) Option {
	return func(e *Engine) { e.starMatch = newStarMatch(r) }
}

// WithLadder replaces the rank ladder.
func WithLadder(l rank.Ladder) Option {
	return func(e *Engine) { e.ladder = l }
}

// WithStarGrantMode selects how promotions grant stars upline.
func WithStarGrantMode(m rank.GrantMode) Option {
	return func(e *Engine) { e.grantMode = m }
}

// WithForcedPromotionTarget sets the level a forced promotion jumps to when
// it is above the next rank. Zero means the next rank.
func WithForcedPromotionTarget(level int) Option {
	return func(e *Engine) { e.forceRank = level }
}

// WithCharges sets the admin and TDS rates.
func WithCharges(c payout.Charges) Option {
	return func(e *Engine) { e.charges = c }
}

// WithMaxHops bounds how many ancestors a single walk may visit.
func WithMaxHops(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHops = n
		}
	}
}

// WithConcurrency bounds the per-user fan-out of scheduled jobs.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetryPolicy configures conflict retries.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithScheduler enables the background daily reset and weekly sweep.
func WithScheduler(cfg SchedulerConfig) Option {
	return func(e *Engine) {
		if cfg.Location == nil {
			cfg.Location = time.Local
		}
		e.scheduler = cfg
	}
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Ladder returns the rank ladder in use.
func (e *Engine) Ladder() rank.Ladder { return e.ladder }

// Start migrates the store and starts the scheduler when enabled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.scheduler.Enabled {
		e.wg.Add(1)
		go e.scheduleWorker(ctx)
	}

	e.logger.Info("bonus engine started",
		"scheduler", e.scheduler.Enabled,
		"weekly_sweep", e.scheduler.WeeklySweep.String(),
		"max_hops", e.maxHops,
		"ranks", e.ladder.Top(),
	)

	return nil
}

// Stop shuts down the scheduler, the plugins and the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// scheduleWorker runs the daily reset at local midnight and the weekly sweep
// at the midnight that starts the configured weekday.
func (e *Engine) scheduleWorker(ctx context.Context) {
	defer e.wg.Done()

	for {
		now := e.clock().In(e.scheduler.Location)
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, e.scheduler.Location)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-e.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if next.Weekday() == e.scheduler.WeeklySweep {
			if _, err := e.SweepWeeklyEarnings(ctx); err != nil {
				e.logger.Error("weekly sweep failed", "error", err)
			}
		}
		if _, err := e.ResetDailyClosings(ctx); err != nil {
			e.logger.Error("daily reset failed", "error", err)
		}
	}
}

// ──────────────────────────────────────────────────
// Per-user unit of work
// ──────────────────────────────────────────────────

// unit collects what one critical section on one user's ledger produced.
type unit struct {
	now         time.Time
	ledger      *ledger.Ledger
	payouts     []*payout.Record
	entries     []*volume.Entry
	transitions []payout.Transition
	grants      []starGrant

	// after runs once the commit succeeded, outside the lock.
	after []func(ctx context.Context)
}

func (u *unit) record(r *payout.Record) {
	u.payouts = append(u.payouts, r)
}

func (u *unit) onCommit(fn func(ctx context.Context)) {
	u.after = append(u.after, fn)
}

// errNoChange tells mutate the mutation had nothing to write.
var errNoChange = errors.New("bonus: no change")

// mutate runs fn against userID's ledger under the per-user lock and commits
// everything fn produced atomically. A lost version race reloads and reruns
// fn. A ledger that does not exist yet starts empty.
func (e *Engine) mutate(ctx context.Context, userID string, fn func(u *unit) error) (*unit, error) {
	attempt := func() (*unit, error) {
		lease, err := e.locker.Acquire(ctx, userID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrLockTimeout
			}
			return nil, backoff.Permanent(fmt.Errorf("lock %s: %w", userID, err))
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				e.logger.Warn("release user lock", "user_id", userID, "error", rerr)
			}
		}()

		now := e.clock().UTC()
		l, err := e.store.GetLedger(ctx, userID)
		switch {
		case IsNotFound(err):
			l = ledger.New(userID, now)
		case err != nil:
			return nil, backoff.Permanent(err)
		}

		u := &unit{now: now, ledger: l}
		if err := fn(u); err != nil {
			if errors.Is(err, errNoChange) {
				return u, nil
			}
			return nil, backoff.Permanent(err)
		}

		u.ledger.Touch(now)
		err = e.store.Commit(ctx, &store.Commit{
			Ledger:      u.ledger,
			Payouts:     u.payouts,
			Entries:     u.entries,
			Transitions: u.transitions,
		})
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return u, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.InitialInterval
	b.MaxInterval = e.retry.MaxInterval

	u, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("ledger commit conflict, retrying",
				"user_id", userID,
				"error", err,
				"backoff", next,
			)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, err
	}

	for _, fn := range u.after {
		fn(ctx)
	}
	return u, nil
}
