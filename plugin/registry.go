package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onVolumeCredited      []OnVolumeCredited
	onPropagated          []OnPropagated
	onMatchEvaluated      []OnMatchEvaluated
	onMatchClosed         []OnMatchClosed
	onRankPromoted        []OnRankPromoted
	onStarsGranted        []OnStarsGranted
	onPayoutRecorded      []OnPayoutRecorded
	onWithdrawalRequested []OnWithdrawalRequested
	onWithdrawalSettled   []OnWithdrawalSettled
	onDailyReset          []OnDailyReset
	onWeeklySweep         []OnWeeklySweep
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnVolumeCredited); ok {
		r.onVolumeCredited = append(r.onVolumeCredited, v)
	}
	if v, ok := p.(OnPropagated); ok {
		r.onPropagated = append(r.onPropagated, v)
	}
	if v, ok := p.(OnMatchEvaluated); ok {
		r.onMatchEvaluated = append(r.onMatchEvaluated, v)
	}
	if v, ok := p.(OnMatchClosed); ok {
		r.onMatchClosed = append(r.onMatchClosed, v)
	}
	if v, ok := p.(OnRankPromoted); ok {
		r.onRankPromoted = append(r.onRankPromoted, v)
	}
	if v, ok := p.(OnStarsGranted); ok {
		r.onStarsGranted = append(r.onStarsGranted, v)
	}
	if v, ok := p.(OnPayoutRecorded); ok {
		r.onPayoutRecorded = append(r.onPayoutRecorded, v)
	}
	if v, ok := p.(OnWithdrawalRequested); ok {
		r.onWithdrawalRequested = append(r.onWithdrawalRequested, v)
	}
	if v, ok := p.(OnWithdrawalSettled); ok {
		r.onWithdrawalSettled = append(r.onWithdrawalSettled, v)
	}
	if v, ok := p.(OnDailyReset); ok {
		r.onDailyReset = append(r.onDailyReset, v)
	}
	if v, ok := p.(OnWeeklySweep); ok {
		r.onWeeklySweep = append(r.onWeeklySweep, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnVolumeCredited", reflect.TypeFor[OnVolumeCredited]()},
	{"OnPropagated", reflect.TypeFor[OnPropagated]()},
	{"OnMatchEvaluated", reflect.TypeFor[OnMatchEvaluated]()},
	{"OnMatchClosed", reflect.TypeFor[OnMatchClosed]()},
	{"OnRankPromoted", reflect.TypeFor[OnRankPromoted]()},
	{"OnStarsGranted", reflect.TypeFor[OnStarsGranted]()},
	{"OnPayoutRecorded", reflect.TypeFor[OnPayoutRecorded]()},
	{"OnWithdrawalRequested", reflect.TypeFor[OnWithdrawalRequested]()},
	{"OnWithdrawalSettled", reflect.TypeFor[OnWithdrawalSettled]()},
	{"OnDailyReset", reflect.TypeFor[OnDailyReset]()},
	{"OnWeeklySweep", reflect.TypeFor[OnWeeklySweep]()},
}

// implementedInterfaces returns the hook names p implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit runs call for every plugin in hooks, logging failures. Hook errors
// never reach the engine.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, call func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitVolumeCredited emits a volume credited event.
func (r *Registry) EmitVolumeCredited(ctx context.Context, entry *volume.Entry) {
	emit(ctx, r, "OnVolumeCredited", snapshot(r, &r.onVolumeCredited), func(p OnVolumeCredited) error {
		return p.OnVolumeCredited(ctx, entry)
	})
}

// EmitPropagated emits a propagation finished event.
func (r *Registry) EmitPropagated(ctx context.Context, sourceUserID string, credited, skipped int, elapsed time.Duration) {
	emit(ctx, r, "OnPropagated", snapshot(r, &r.onPropagated), func(p OnPropagated) error {
		return p.OnPropagated(ctx, sourceUserID, credited, skipped, elapsed)
	})
}

// EmitMatchEvaluated emits a match evaluated event.
func (r *Registry) EmitMatchEvaluated(ctx context.Context, userID, machine, outcome string) {
	emit(ctx, r, "OnMatchEvaluated", snapshot(r, &r.onMatchEvaluated), func(p OnMatchEvaluated) error {
		return p.OnMatchEvaluated(ctx, userID, machine, outcome)
	})
}

// EmitMatchClosed emits a match closed event.
func (r *Registry) EmitMatchClosed(ctx context.Context, machine string, rec *payout.Record) {
	emit(ctx, r, "OnMatchClosed", snapshot(r, &r.onMatchClosed), func(p OnMatchClosed) error {
		return p.OnMatchClosed(ctx, machine, rec)
	})
}

// EmitRankPromoted emits a rank promoted event.
func (r *Registry) EmitRankPromoted(ctx context.Context, userID string, change *ledger.RankChange) {
	emit(ctx, r, "OnRankPromoted", snapshot(r, &r.onRankPromoted), func(p OnRankPromoted) error {
		return p.OnRankPromoted(ctx, userID, change)
	})
}

// EmitStarsGranted emits a stars granted event.
func (r *Registry) EmitStarsGranted(ctx context.Context, fromUserID, toUserID string, leg tree.Leg, stars int64) {
	emit(ctx, r, "OnStarsGranted", snapshot(r, &r.onStarsGranted), func(p OnStarsGranted) error {
		return p.OnStarsGranted(ctx, fromUserID, toUserID, leg, stars)
	})
}

// EmitPayoutRecorded emits a payout recorded event.
func (r *Registry) EmitPayoutRecorded(ctx context.Context, rec *payout.Record) {
	emit(ctx, r, "OnPayoutRecorded", snapshot(r, &r.onPayoutRecorded), func(p OnPayoutRecorded) error {
		return p.OnPayoutRecorded(ctx, rec)
	})
}

// EmitWithdrawalRequested emits a withdrawal requested event.
func (r *Registry) EmitWithdrawalRequested(ctx context.Context, rec *payout.Record) {
	emit(ctx, r, "OnWithdrawalRequested", snapshot(r, &r.onWithdrawalRequested), func(p OnWithdrawalRequested) error {
		return p.OnWithdrawalRequested(ctx, rec)
	})
}

// EmitWithdrawalSettled emits a withdrawal settled event.
func (r *Registry) EmitWithdrawalSettled(ctx context.Context, rec *payout.Record) {
	emit(ctx, r, "OnWithdrawalSettled", snapshot(r, &r.onWithdrawalSettled), func(p OnWithdrawalSettled) error {
		return p.OnWithdrawalSettled(ctx, rec)
	})
}

// EmitDailyReset emits a daily reset event.
func (r *Registry) EmitDailyReset(ctx context.Context, users int, elapsed time.Duration) {
	emit(ctx, r, "OnDailyReset", snapshot(r, &r.onDailyReset), func(p OnDailyReset) error {
		return p.OnDailyReset(ctx, users, elapsed)
	})
}

// EmitWeeklySweep emits a weekly sweep event.
func (r *Registry) EmitWeeklySweep(ctx context.Context, users int, total types.Money, elapsed time.Duration) {
	emit(ctx, r, "OnWeeklySweep", snapshot(r, &r.onWeeklySweep), func(p OnWeeklySweep) error {
		return p.OnWeeklySweep(ctx, users, total, elapsed)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the bonus pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
