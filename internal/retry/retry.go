// Package retry implements exponential backoff with jitter over the error
// taxonomy.
//
// Only errors whose taxonomy kind is retryable are re-attempted; everything
// else propagates immediately. Delays follow base*2^k capped at a maximum,
// with optional symmetric ±25% jitter. Every attempt races a per-attempt
// timeout so an unresponsive call is abandoned rather than awaited.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/metrics"
)

// Config tunes one retried operation.
type Config struct {
	// Operation names the call in logs and metrics.
	Operation string

	// MaxRetries is the number of re-attempts after the first try.
	// Zero means 3.
	MaxRetries int

	// BaseDelay is the backoff base. Zero means 500ms.
	BaseDelay time.Duration

	// MaxDelay caps each delay. Zero means 30s.
	MaxDelay time.Duration

	// Jitter applies symmetric ±25% randomization to each delay.
	Jitter bool

	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound
	// beyond the caller's context.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Operation == "" {
		c.Operation = "unnamed"
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}

	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}

	return c
}

// Retryer executes operations under a retry budget. Safe for concurrent
// use.
type Retryer struct {
	logger  *zap.Logger
	metrics *metrics.Set

	mu   sync.Mutex
	rand *rand.Rand

	// sleep is swapped in tests to observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a retryer.
func New(logger *zap.Logger, m *metrics.Set) *Retryer {
	r := &Retryer{
		logger:  logger.Named("retry"),
		metrics: m,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.sleep = r.sleepReal

	return r
}

// Do runs op under the retry budget.
//
// An error outside the taxonomy, or with a non-retryable kind, propagates
// unchanged on the attempt that produced it. When the budget is exhausted
// on retryable errors, the last cause is wrapped in TRANSIENT_5XX with the
// attempt count. Context cancellation stops the loop without a further
// attempt; the synthesized timeout is never retried within this call.
func (r *Retryer) Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error

	attempts := 0

	for k := 0; k <= cfg.MaxRetries; k++ {
		if err := ctx.Err(); err != nil {
			return fail.Wrap(fail.NetworkTimeout, context.Cause(ctx),
				"%s canceled after %d attempts", cfg.Operation, attempts)
		}

		attempts++

		if r.metrics != nil {
			r.metrics.RetryAttempts.WithLabelValues(cfg.Operation).Inc()
		}

		lastErr = r.attempt(ctx, cfg, op)
		if lastErr == nil {
			return nil
		}

		if !fail.Retryable(lastErr) {
			return lastErr
		}

		if k == cfg.MaxRetries {
			break
		}

		delay := r.delayFor(cfg, k)

		r.logger.Debug("retrying after failure",
			zap.String("operation", cfg.Operation),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		sleepErr := r.sleep(ctx, delay)
		if sleepErr != nil {
			return fail.Wrap(fail.NetworkTimeout, sleepErr,
				"%s canceled during backoff after %d attempts", cfg.Operation, attempts)
		}
	}

	wrapped := fail.Wrap(fail.Transient5xx, lastErr, "%s failed", cfg.Operation)
	wrapped.Kind = fail.Transient5xx
	wrapped.Attempts = attempts

	return wrapped
}

// attempt runs op once, bounded by the per-attempt timeout. An op that
// ignores its context is abandoned on deadline; its eventual return is
// discarded.
func (r *Retryer) attempt(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- op(attemptCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return fail.New(fail.NetworkTimeout, "%s attempt exceeded %s", cfg.Operation, cfg.AttemptTimeout)
	}
}

// delayFor computes min(base*2^k, max), then applies ±25% jitter clamped
// back to max.
func (r *Retryer) delayFor(cfg Config, k int) time.Duration {
	delay := cfg.BaseDelay

	for range k {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay

			break
		}
	}

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if !cfg.Jitter {
		return delay
	}

	r.mu.Lock()
	factor := 0.75 + r.rand.Float64()*0.5
	r.mu.Unlock()

	jittered := time.Duration(float64(delay) * factor)
	if jittered > cfg.MaxDelay {
		jittered = cfg.MaxDelay
	}

	return jittered
}

func (r *Retryer) sleepReal(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
