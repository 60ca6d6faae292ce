package provider

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/breaker"
	"github.com/forgeflow/forgeflow/internal/dlq"
	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/retry"
)

// method classification. Destructive methods are never retried: a timeout
// may have landed the first attempt and a second delete/drop is not safe.
// Monitored methods execute inside the provider's named breaker.
type methodClass struct {
	destructive bool
	monitored   bool
}

var methodClasses = map[string]methodClass{
	"init":                {monitored: true},
	"ping":                {monitored: true},
	"close":               {},
	"query":               {monitored: true},
	"insert":              {monitored: true},
	"update":              {monitored: true},
	"delete":              {destructive: true, monitored: true},
	"create_table":        {},
	"drop_table":          {destructive: true},
	"apply_security_rules": {},
	"run_migrations":      {},
	"applied_migrations":  {},
}

// WrapperConfig tunes a resilient provider wrapper.
type WrapperConfig struct {
	// Retry is the shared retry budget for non-destructive methods.
	Retry retry.Config

	// Breaker configures the provider's named breaker.
	Breaker breaker.Config

	// DLQVerbs lists methods whose final failures are dead-lettered.
	// Only user-initiated, reproducible verbs belong here.
	DLQVerbs []string
}

// Wrapper composes retry, the circuit breaker, and the error taxonomy
// around a [Provider]. It satisfies [Provider] itself so call sites are
// unchanged.
type Wrapper struct {
	name     string
	inner    Provider
	retryer  *retry.Retryer
	breakers *breaker.Registry
	queue    *dlq.Queue
	logger   *zap.Logger

	config   WrapperConfig
	dlqVerbs map[string]bool
}

// Wrap builds a resilient wrapper named name around inner. queue may be
// nil when no verb is DLQ-eligible.
func Wrap(name string, inner Provider, retryer *retry.Retryer, breakers *breaker.Registry, queue *dlq.Queue, logger *zap.Logger, config WrapperConfig) *Wrapper {
	breakers.Configure(name, config.Breaker)

	dlqVerbs := make(map[string]bool, len(config.DLQVerbs))
	for _, verb := range config.DLQVerbs {
		dlqVerbs[verb] = true
	}

	return &Wrapper{
		name:     name,
		inner:    inner,
		retryer:  retryer,
		breakers: breakers,
		queue:    queue,
		logger:   logger.Named("provider").With(zap.String("provider", name)),
		config:   config,
		dlqVerbs: dlqVerbs,
	}
}

// call runs op under the method's classification: breaker for monitored
// methods, retry for non-destructive ones, taxonomy mapping for every
// error that escapes.
func (w *Wrapper) call(ctx context.Context, method string, op func(ctx context.Context) error) error {
	class := methodClasses[method]

	guarded := op
	if class.monitored {
		guarded = func(ctx context.Context) error {
			return w.breakers.Execute(w.name, func() error {
				return op(ctx)
			})
		}
	}

	var err error

	if class.destructive {
		err = guarded(ctx)
	} else {
		cfg := w.config.Retry
		cfg.Operation = w.name + "." + method
		err = w.retryer.Do(ctx, cfg, guarded)
	}

	if err == nil {
		return nil
	}

	return w.toTaxonomy(method, err)
}

// toTaxonomy maps an escaped error into the closed taxonomy. Errors the
// adapter already classified pass through; anything else defaults to
// TRANSIENT_5XX, the conservative retryable-next-time choice.
func (w *Wrapper) toTaxonomy(method string, err error) error {
	var fe *fail.Error
	if !errors.As(err, &fe) {
		fe = fail.Wrap(fail.Transient5xx, err, "%s.%s failed", w.name, method)
	}

	w.logger.Warn("provider call failed",
		zap.String("method", method),
		zap.String("kind", string(fe.Kind)),
		zap.Error(err))

	return fe
}

// deadLetter enqueues a final failure for an eligible verb.
func (w *Wrapper) deadLetter(method string, params any, resource string, cause error) {
	if w.queue == nil || !w.dlqVerbs[method] {
		return
	}

	raw, err := json.Marshal(params)
	if err != nil {
		w.logger.Warn("cannot encode params for dead-letter", zap.Error(err))

		return
	}

	_, err = w.queue.Add(dlq.Operation{Verb: method, Params: raw, Resource: resource}, cause, map[string]any{
		"provider": w.name,
	})
	if err != nil {
		w.logger.Error("dead-letter enqueue failed", zap.Error(err))
	}
}

// Init implements [Provider].
func (w *Wrapper) Init(ctx context.Context) error {
	return w.call(ctx, "init", w.inner.Init)
}

// Ping implements [Provider].
func (w *Wrapper) Ping(ctx context.Context) error {
	return w.call(ctx, "ping", w.inner.Ping)
}

// Close implements [Provider]. Close is neither monitored nor retried.
func (w *Wrapper) Close(ctx context.Context) error {
	return w.call(ctx, "close", w.inner.Close)
}

// Query implements [Provider].
func (w *Wrapper) Query(ctx context.Context, table string, filter Filter, opts QueryOpts) ([]Row, error) {
	var rows []Row

	err := w.call(ctx, "query", func(ctx context.Context) error {
		var innerErr error

		rows, innerErr = w.inner.Query(ctx, table, filter, opts)

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return rows, nil
}

// Insert implements [Provider].
func (w *Wrapper) Insert(ctx context.Context, table string, row Row) error {
	err := w.call(ctx, "insert", func(ctx context.Context) error {
		return w.inner.Insert(ctx, table, row)
	})
	if err != nil {
		w.deadLetter("insert", row, table, err)
	}

	return err
}

// Update implements [Provider].
func (w *Wrapper) Update(ctx context.Context, table string, filter Filter, changes Row) error {
	err := w.call(ctx, "update", func(ctx context.Context) error {
		return w.inner.Update(ctx, table, filter, changes)
	})
	if err != nil {
		w.deadLetter("update", map[string]any{"filter": filter, "changes": changes}, table, err)
	}

	return err
}

// Delete implements [Provider]. Destructive: executes once, no retry.
func (w *Wrapper) Delete(ctx context.Context, table string, filter Filter) error {
	return w.call(ctx, "delete", func(ctx context.Context) error {
		return w.inner.Delete(ctx, table, filter)
	})
}

// CreateTable implements [Provider].
func (w *Wrapper) CreateTable(ctx context.Context, table string, definition json.RawMessage) error {
	return w.call(ctx, "create_table", func(ctx context.Context) error {
		return w.inner.CreateTable(ctx, table, definition)
	})
}

// DropTable implements [Provider]. Destructive: executes once, no retry.
func (w *Wrapper) DropTable(ctx context.Context, table string) error {
	return w.call(ctx, "drop_table", func(ctx context.Context) error {
		return w.inner.DropTable(ctx, table)
	})
}

// ApplySecurityRules implements [Provider].
func (w *Wrapper) ApplySecurityRules(ctx context.Context, rules json.RawMessage) error {
	err := w.call(ctx, "apply_security_rules", func(ctx context.Context) error {
		return w.inner.ApplySecurityRules(ctx, rules)
	})
	if err != nil {
		w.deadLetter("apply_security_rules", rules, "", err)
	}

	return err
}

// RunMigrations implements [Provider].
func (w *Wrapper) RunMigrations(ctx context.Context) error {
	return w.call(ctx, "run_migrations", w.inner.RunMigrations)
}

// AppliedMigrations implements [Provider].
func (w *Wrapper) AppliedMigrations(ctx context.Context) ([]string, error) {
	var applied []string

	err := w.call(ctx, "applied_migrations", func(ctx context.Context) error {
		var innerErr error

		applied, innerErr = w.inner.AppliedMigrations(ctx)

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}

// Capabilities implements [Provider]. Capability queries bypass all
// wrapping.
func (w *Wrapper) Capabilities() Capabilities {
	return w.inner.Capabilities()
}
