package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/metrics"
)

// Status is a checked target's condition.
type Status string

const (
	// StatusUnknown is the state before any probe completes and after a
	// restart resets the counters.
	StatusUnknown Status = "UNKNOWN"
	// StatusHealthy means the healthy threshold of consecutive successes
	// was met.
	StatusHealthy Status = "HEALTHY"
	// StatusDegraded means at least one recent failure without reaching
	// the unhealthy threshold.
	StatusDegraded Status = "DEGRADED"
	// StatusUnhealthy means the unhealthy threshold of consecutive
	// failures was met.
	StatusUnhealthy Status = "UNHEALTHY"
)

func (s Status) metricValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 0
	}
}

// worse reports whether s is a worse condition than other.
func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	default:
		return 3
	}
}

// Probe tests one target. A returned error is a failure; nil is a success.
// The probe must honor ctx: unresponsive targets are abandoned on deadline
// and counted as failures.
type Probe func(ctx context.Context) error

// RestartHook attempts to restart an unhealthy target.
type RestartHook func(ctx context.Context) error

// CheckConfig configures one checked target.
type CheckConfig struct {
	// Timeout bounds each probe. Zero means 5 seconds.
	Timeout time.Duration

	// HealthyThreshold is the consecutive successes needed to report
	// HEALTHY. Zero means 2.
	HealthyThreshold int

	// UnhealthyThreshold is the consecutive failures needed to report
	// UNHEALTHY. Zero means 3.
	UnhealthyThreshold int

	// AutoRestart invokes Restart when the target is UNHEALTHY.
	AutoRestart bool

	// Restart is the hook invoked on auto-restart.
	Restart RestartHook

	// RestartCooldown is the minimum spacing between restarts.
	// Zero means 1 minute.
	RestartCooldown time.Duration
}

func (c CheckConfig) withDefaults() CheckConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}

	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 2
	}

	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}

	if c.RestartCooldown <= 0 {
		c.RestartCooldown = time.Minute
	}

	return c
}

// TargetReport is a point-in-time view of one checked target.
type TargetReport struct {
	Target               string `json:"target"`
	Status               Status `json:"status"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	LastError            string `json:"last_error,omitempty"`
	LastChecked          string `json:"last_checked,omitempty"`
	LastRestart          string `json:"last_restart,omitempty"`
}

// target is the internal per-target state machine.
type target struct {
	name   string
	probe  Probe
	config CheckConfig

	status               Status
	consecutiveSuccesses int
	consecutiveFailures  int
	lastError            string
	lastChecked          time.Time
	lastRestart          time.Time
}

// Checks runs per-target health probes and aggregates their status.
// Safe for concurrent use.
type Checks struct {
	clock   ident.Clock
	logger  *zap.Logger
	metrics *metrics.Set

	mu      sync.Mutex
	targets map[string]*target
}

// NewChecks creates an empty check registry.
func NewChecks(clock ident.Clock, logger *zap.Logger, m *metrics.Set) *Checks {
	return &Checks{
		clock:   clock,
		logger:  logger.Named("checks"),
		metrics: m,
		targets: make(map[string]*target),
	}
}

// Register adds a target. Re-registering a name replaces its probe and
// resets its state to UNKNOWN.
func (c *Checks) Register(name string, probe Probe, config CheckConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.targets[name] = &target{
		name:   name,
		probe:  probe,
		config: config.withDefaults(),
		status: StatusUnknown,
	}
}

// Check probes one target and updates its state machine. The returned
// report reflects the state after this probe.
func (c *Checks) Check(ctx context.Context, name string) (TargetReport, error) {
	c.mu.Lock()
	tgt, ok := c.targets[name]
	c.mu.Unlock()

	if !ok {
		return TargetReport{}, fmt.Errorf("unknown check target %q", name)
	}

	probeErr := c.runProbe(ctx, tgt)

	c.mu.Lock()
	defer c.mu.Unlock()

	tgt.lastChecked = c.clock.Now()

	if probeErr != nil {
		tgt.consecutiveFailures++
		tgt.consecutiveSuccesses = 0
		tgt.lastError = probeErr.Error()

		switch {
		case tgt.consecutiveFailures >= tgt.config.UnhealthyThreshold:
			tgt.status = StatusUnhealthy
		case tgt.status == StatusUnknown:
			// Stay UNKNOWN until a threshold is crossed.
		default:
			tgt.status = StatusDegraded
		}
	} else {
		tgt.consecutiveSuccesses++
		tgt.consecutiveFailures = 0
		tgt.lastError = ""

		if tgt.consecutiveSuccesses >= tgt.config.HealthyThreshold {
			tgt.status = StatusHealthy
		} else if tgt.status == StatusUnhealthy {
			tgt.status = StatusDegraded
		}
	}

	c.maybeRestartLocked(ctx, tgt)
	c.publishLocked(tgt)

	return c.reportLocked(tgt), nil
}

// runProbe races the probe against its timeout. A probe that ignores its
// context is abandoned on deadline and its eventual return discarded, so an
// unresponsive target cannot stall the check loop.
func (c *Checks) runProbe(ctx context.Context, tgt *target) error {
	probeCtx, cancel := context.WithTimeout(ctx, tgt.config.Timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- tgt.probe(probeCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-probeCtx.Done():
		return fmt.Errorf("probe abandoned after %s: %w", tgt.config.Timeout, probeCtx.Err())
	}
}

// CheckAll probes every registered target.
func (c *Checks) CheckAll(ctx context.Context) ([]TargetReport, error) {
	for _, name := range c.names() {
		_, err := c.Check(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	return c.Reports(), nil
}

// Run probes all targets at the given interval until ctx is canceled.
func (c *Checks) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.CheckAll(ctx)
			if err != nil {
				c.logger.Warn("health check pass failed", zap.Error(err))
			}
		}
	}
}

// AggregateStatus is the worst status across targets. An empty registry is
// UNKNOWN; overall health requires every target HEALTHY and the set
// non-empty.
func (c *Checks) AggregateStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.targets) == 0 {
		return StatusUnknown
	}

	worst := StatusHealthy
	for _, tgt := range c.targets {
		if tgt.status.worse(worst) {
			worst = tgt.status
		}
	}

	return worst
}

// Healthy reports whether every target is HEALTHY and at least one target
// is registered.
func (c *Checks) Healthy() bool {
	return c.AggregateStatus() == StatusHealthy
}

// Reports returns a snapshot of every target, sorted by name.
func (c *Checks) Reports() []TargetReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	reports := make([]TargetReport, 0, len(c.targets))
	for _, tgt := range c.targets {
		reports = append(reports, c.reportLocked(tgt))
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Target < reports[j].Target })

	return reports
}

// maybeRestartLocked fires the restart hook when the target is UNHEALTHY,
// auto-restart is enabled, and the cooldown has elapsed. A completed
// restart resets the state machine to UNKNOWN.
func (c *Checks) maybeRestartLocked(ctx context.Context, tgt *target) {
	if tgt.status != StatusUnhealthy || !tgt.config.AutoRestart || tgt.config.Restart == nil {
		return
	}

	now := c.clock.Now()
	if !tgt.lastRestart.IsZero() && now.Sub(tgt.lastRestart) < tgt.config.RestartCooldown {
		return
	}

	tgt.lastRestart = now
	c.logger.Warn("restarting unhealthy target", zap.String("target", tgt.name))

	restartErr := tgt.config.Restart(ctx)
	if restartErr != nil {
		c.logger.Error("restart hook failed",
			zap.String("target", tgt.name), zap.Error(restartErr))

		return
	}

	tgt.status = StatusUnknown
	tgt.consecutiveSuccesses = 0
	tgt.consecutiveFailures = 0
	tgt.lastError = ""
}

func (c *Checks) publishLocked(tgt *target) {
	if c.metrics != nil {
		c.metrics.CheckStatus.WithLabelValues(tgt.name).Set(tgt.status.metricValue())
	}
}

func (c *Checks) reportLocked(tgt *target) TargetReport {
	report := TargetReport{
		Target:               tgt.name,
		Status:               tgt.status,
		ConsecutiveSuccesses: tgt.consecutiveSuccesses,
		ConsecutiveFailures:  tgt.consecutiveFailures,
		LastError:            tgt.lastError,
	}

	if !tgt.lastChecked.IsZero() {
		report.LastChecked = ident.Timestamp(tgt.lastChecked)
	}

	if !tgt.lastRestart.IsZero() {
		report.LastRestart = ident.Timestamp(tgt.lastRestart)
	}

	return report
}

func (c *Checks) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.targets))
	for name := range c.targets {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
