package health

import (
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/fail"
)

// EnforcementLevel is the adaptive guard's verdict severity.
type EnforcementLevel string

const (
	// LevelWarn logs the violation and allows the operation.
	LevelWarn EnforcementLevel = "warn"
	// LevelSoftBlock records the violation and refuses unless overridden.
	LevelSoftBlock EnforcementLevel = "soft_block"
	// LevelHardBlock refuses unconditionally.
	LevelHardBlock EnforcementLevel = "hard_block"
)

// Escalation thresholds on the health record's violation_warnings counter.
const (
	softBlockAt = 3
	hardBlockAt = 6
)

// Guard gates mutating operations on the health mesh.
type Guard struct {
	mesh   *Mesh
	logger *zap.Logger
}

// NewGuard creates a guard over the mesh.
func NewGuard(mesh *Mesh, logger *zap.Logger) *Guard {
	return &Guard{mesh: mesh, logger: logger.Named("guard")}
}

// EnforceSafeMode refuses the operation when the store is not healthy.
// The error kind is CIRCUIT_BREAKER_OPEN when the failure counter has
// reached the open threshold, otherwise SAFE_MODE_READ_ONLY when the store
// is in read_only posture.
func (g *Guard) EnforceSafeMode() error {
	record, err := g.mesh.Current()
	if err != nil {
		return err
	}

	if record.ConsecutiveFailures >= openThreshold {
		return fail.New(fail.CircuitBreakerOpen,
			"health circuit open after %d consecutive failures", record.ConsecutiveFailures)
	}

	if record.SafeMode == SafeModeReadOnly {
		return fail.New(fail.SafeModeReadOnly, "store is read_only: %s", record.Reason)
	}

	return nil
}

// AdaptiveEnforce gates an infrastructural operation with escalating
// severity while the store is unhealthy.
//
// A healthy store allows the operation without recording anything. An
// unhealthy store escalates on the record's violation_warnings counter:
// below the soft-block threshold the violation is logged and recorded but
// allowed; between soft and hard it is recorded and refused unless
// allowOverride; at or past hard it is refused unconditionally.
func (g *Guard) AdaptiveEnforce(operation string, allowOverride bool) (EnforcementLevel, error) {
	record, err := g.mesh.Current()
	if err != nil {
		return "", err
	}

	healthy := record.SafeMode == SafeModeHealthy && record.ConsecutiveFailures < openThreshold
	if healthy {
		return LevelWarn, nil
	}

	level := levelFor(record.ViolationWarnings)

	switch level {
	case LevelWarn:
		g.logger.Warn("allowing operation in unhealthy store",
			zap.String("operation", operation),
			zap.Int("violation_warnings", record.ViolationWarnings))

		err = g.mesh.RecordViolation()
		if err != nil {
			return level, err
		}

		return level, nil
	case LevelSoftBlock:
		err = g.mesh.RecordViolation()
		if err != nil {
			return level, err
		}

		if allowOverride {
			g.logger.Warn("soft block overridden", zap.String("operation", operation))

			return level, nil
		}

		return level, fail.New(fail.SafeModeReadOnly,
			"operation %q soft-blocked in unhealthy store", operation)
	default:
		return LevelHardBlock, fail.New(fail.SafeModeReadOnly,
			"operation %q hard-blocked after %d violations", operation, record.ViolationWarnings)
	}
}

func levelFor(violationWarnings int) EnforcementLevel {
	switch {
	case violationWarnings >= hardBlockAt:
		return LevelHardBlock
	case violationWarnings >= softBlockAt:
		return LevelSoftBlock
	default:
		return LevelWarn
	}
}
