// Package breaker provides per-target circuit breakers behind a
// process-wide registry.
//
// The state machine is sony/gobreaker's Closed -> Open -> HalfOpen cycle,
// configured for the store's semantics: trip on N consecutive failures,
// close again after M consecutive half-open successes. Calls rejected by
// an open breaker fail fast with kind SERVICE_UNAVAILABLE, which the retry
// layer deliberately does not retry.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/metrics"
)

// State is a breaker's position in the cycle.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one named breaker.
type Config struct {
	// FailureThreshold is the consecutive failures that trip the breaker.
	// Zero means 3.
	FailureThreshold int

	// SuccessThreshold is the consecutive half-open successes that close
	// it again. Zero means 2.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before probing.
	// Zero means 60s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}

	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}

	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}

	return c
}

// Registry hands out one breaker per name. Safe for concurrent use.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Set

	mu       sync.Mutex
	breakers map[string]*entry
}

type entry struct {
	cb     *gobreaker.CircuitBreaker
	config Config
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *zap.Logger, m *metrics.Set) *Registry {
	return &Registry{
		logger:   logger.Named("breaker"),
		metrics:  m,
		breakers: make(map[string]*entry),
	}
}

// Configure sets the config used when the named breaker is first created.
// Reconfiguring an existing breaker rebuilds it in the Closed state.
func (r *Registry) Configure(name string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakers[name] = r.build(name, config.withDefaults())
}

// Execute runs op inside the named breaker.
//
// While the breaker is open, or when the half-open probe budget is
// exhausted, the call fails fast with kind SERVICE_UNAVAILABLE without
// invoking op. op's own error is returned unchanged.
func (r *Registry) Execute(name string, op func() error) error {
	ent := r.get(name)

	_, err := ent.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fail.Wrap(fail.ServiceUnavailable, err, "breaker %q rejected call", name)
	}

	return err
}

// State returns the named breaker's current state. An unknown name reports
// Closed, matching a breaker that has never seen a call.
func (r *Registry) State(name string) State {
	r.mu.Lock()
	ent, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return StateClosed
	}

	return fromGobreaker(ent.cb.State())
}

// Reset forces the named breaker to Closed with cleared counters by
// rebuilding it. A no-op for unknown names.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.breakers[name]
	if !ok {
		return
	}

	r.breakers[name] = r.build(name, ent.config)

	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(0)
	}
}

// Names lists the registered breakers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}

	return names
}

func (r *Registry) get(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.breakers[name]
	if !ok {
		ent = r.build(name, Config{}.withDefaults())
		r.breakers[name] = ent
	}

	return ent
}

func (r *Registry) build(name string, config Config) *entry {
	settings := gobreaker.Settings{
		Name: name,
		// MaxRequests doubles as the half-open close threshold: gobreaker
		// closes after MaxRequests consecutive half-open successes.
		MaxRequests: uint32(config.SuccessThreshold),
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("breaker state change",
				zap.String("name", name),
				zap.String("from", string(fromGobreaker(from))),
				zap.String("to", string(fromGobreaker(to))))

			if r.metrics != nil {
				r.metrics.BreakerState.WithLabelValues(name).Set(metricValue(fromGobreaker(to)))
			}
		},
	}

	return &entry{cb: gobreaker.NewCircuitBreaker(settings), config: config}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func metricValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
