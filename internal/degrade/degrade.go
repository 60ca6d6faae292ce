// Package degrade implements graceful degradation around provider-facing
// operations.
//
// Each named operation declares a strategy for what happens when it fails:
// fail fast, return a literal fallback, return a recently cached value,
// invoke a fallback function, or skip with a neutral empty value. A
// feature-flag map can short-circuit an operation before it runs.
//
// Degradation hides transient faults from callers; it never hides
// durability faults. An error in the fatal category propagates regardless
// of strategy.
package degrade

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/ident"
)

// Strategy selects the failure behavior.
type Strategy string

const (
	// FailFast propagates the error unchanged.
	FailFast Strategy = "FAIL_FAST"
	// FallbackValue returns the configured literal.
	FallbackValue Strategy = "FALLBACK_VALUE"
	// FallbackCache returns the last successful value if unexpired, else
	// the literal.
	FallbackCache Strategy = "FALLBACK_CACHE"
	// FallbackFunction invokes the configured function with the error.
	FallbackFunction Strategy = "FALLBACK_FUNCTION"
	// Skip returns a neutral nil value and no error.
	Skip Strategy = "SKIP"
)

// Options configures one degradable execution.
type Options struct {
	Strategy Strategy

	// Fallback is the literal for FallbackValue and the cache-miss value
	// for FallbackCache.
	Fallback any

	// FallbackFn is invoked with the failure for FallbackFunction.
	FallbackFn func(err error) (any, error)

	// CacheTTL bounds cached values for FallbackCache. Zero means 30s.
	CacheTTL time.Duration

	// Feature gates the operation on the flag map; empty means ungated.
	Feature string
}

type cached struct {
	value    any
	storedAt time.Time
}

// Degrader executes operations under degradation strategies. Safe for
// concurrent use. The cache is in-memory, keyed by operation name, bounded
// by the set of distinct names used.
type Degrader struct {
	clock  ident.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	flags map[string]bool
	cache map[string]cached
}

// New creates a degrader with all features enabled by default.
func New(clock ident.Clock, logger *zap.Logger) *Degrader {
	return &Degrader{
		clock:  clock,
		logger: logger.Named("degrade"),
		flags:  make(map[string]bool),
		cache:  make(map[string]cached),
	}
}

// SetFlag sets one feature flag.
func (d *Degrader) SetFlag(feature string, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.flags[feature] = enabled
}

// ReplaceFlags swaps the whole flag map, for config hot-reload.
func (d *Degrader) ReplaceFlags(flags map[string]bool) {
	next := make(map[string]bool, len(flags))
	for feature, enabled := range flags {
		next[feature] = enabled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.flags = next
}

// Enabled reports a feature's flag; unlisted features are enabled.
func (d *Degrader) Enabled(feature string) bool {
	if feature == "" {
		return true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	enabled, ok := d.flags[feature]

	return !ok || enabled
}

// Execute runs op under the given strategy.
//
// A disabled feature short-circuits without invoking op, dispatching the
// strategy with a feature-disabled error. On success the value is cached
// when the strategy is FallbackCache. On failure the strategy decides the
// result, except fatal-category errors, which always propagate.
func (d *Degrader) Execute(ctx context.Context, name string, op func(ctx context.Context) (any, error), opts Options) (any, error) {
	if !d.Enabled(opts.Feature) {
		return d.degrade(name, opts, fail.New(fail.OperationFailed, "feature %q disabled", opts.Feature))
	}

	value, err := op(ctx)
	if err == nil {
		if opts.Strategy == FallbackCache {
			d.store(name, value)
		}

		return value, nil
	}

	if fail.KindOf(err).Category() == fail.CategoryFatal {
		return nil, err
	}

	return d.degrade(name, opts, err)
}

func (d *Degrader) degrade(name string, opts Options, cause error) (any, error) {
	switch opts.Strategy {
	case FallbackValue:
		d.warn(name, opts.Strategy, cause)

		return opts.Fallback, nil
	case FallbackCache:
		if value, ok := d.lookup(name, opts.cacheTTL()); ok {
			d.warn(name, opts.Strategy, cause)

			return value, nil
		}

		d.warn(name, opts.Strategy, cause)

		return opts.Fallback, nil
	case FallbackFunction:
		if opts.FallbackFn == nil {
			return nil, fail.Wrap(fail.OperationFailed, cause, "%s has no fallback function", name)
		}

		d.warn(name, opts.Strategy, cause)

		return opts.FallbackFn(cause)
	case Skip:
		d.warn(name, opts.Strategy, cause)

		return nil, nil
	default:
		return nil, cause
	}
}

func (o Options) cacheTTL() time.Duration {
	if o.CacheTTL <= 0 {
		return 30 * time.Second
	}

	return o.CacheTTL
}

func (d *Degrader) store(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache[name] = cached{value: value, storedAt: d.clock.Now()}
}

func (d *Degrader) lookup(name string, ttl time.Duration) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.cache[name]
	if !ok {
		return nil, false
	}

	if d.clock.Now().Sub(entry.storedAt) > ttl {
		return nil, false
	}

	return entry.value, true
}

func (d *Degrader) warn(name string, strategy Strategy, cause error) {
	d.logger.Warn("degrading operation",
		zap.String("operation", name),
		zap.String("strategy", string(strategy)),
		zap.Error(cause))
}
