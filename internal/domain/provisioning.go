package domain

import (
	"fmt"
	"strings"
	"time"
)

// Step names one side effect of a provisioning run.
type Step string

const (
	StepCleanupLeftover Step = "cleanup_leftover"
	StepCreateDatabase  Step = "create_database"
	StepBootstrap       Step = "bootstrap"
	StepDropDatabase    Step = "drop_database"
)

// StepResult records the outcome of one step.
type StepResult struct {
	Step         Step
	Err          error
	Compensation bool
	At           time.Time
}

// ProvisioningAttempt is the ephemeral record of one provisioning run.
type ProvisioningAttempt struct {
	TenantID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepResult
	Outcome    State
	Reason     string
}

// Record appends a step outcome.
func (a *ProvisioningAttempt) Record(step Step, err error, compensation bool, at time.Time) {
	a.Steps = append(a.Steps, StepResult{Step: step, Err: err, Compensation: compensation, At: at})
}

// Completed returns the steps that succeeded, in order. Rollback walks this list backwards.
func (a *ProvisioningAttempt) Completed() []Step {
	var out []Step
	for _, s := range a.Steps {
		if s.Err == nil && !s.Compensation {
			out = append(out, s.Step)
		}
	}
	return out
}

// Duration is the elapsed wall time of the attempt.
func (a *ProvisioningAttempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Summary renders the step log for audit details.
func (a *ProvisioningAttempt) Summary() string {
	parts := make([]string, 0, len(a.Steps))
	for _, s := range a.Steps {
		status := "ok"
		if s.Err != nil {
			status = "error: " + s.Err.Error()
		}
		prefix := ""
		if s.Compensation {
			prefix = "compensate "
		}
		parts = append(parts, fmt.Sprintf("%s%s=%s", prefix, s.Step, status))
	}
	return strings.Join(parts, "; ")
}
