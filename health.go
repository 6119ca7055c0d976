package mailbox

import (
	"context"
	"time"
)

// HealthState classifies a component's condition.
type HealthState string

const (
	HealthOK       HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "unhealthy"
)

// ComponentHealth is one component's self-reported status.
type ComponentHealth struct {
	Component string            `json:"component"`
	State     HealthState       `json:"state"`
	Details   map[string]string `json:"details,omitempty"`
}

// HealthReporter is the capability each component implements independently
// to participate in system health reporting. No shared base type; a
// component that cannot be probed simply isn't registered.
type HealthReporter interface {
	Health(ctx context.Context) ComponentHealth
}

// HealthFunc adapts a plain function to the HealthReporter interface.
type HealthFunc func(ctx context.Context) ComponentHealth

// Health implements HealthReporter.
func (f HealthFunc) Health(ctx context.Context) ComponentHealth { return f(ctx) }

// HealthReport aggregates component statuses for monitoring tooling.
type HealthReport struct {
	State      HealthState       `json:"state"` // Worst component state
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// CheckHealth probes every reporter and aggregates the worst state.
func CheckHealth(ctx context.Context, reporters ...HealthReporter) HealthReport {
	report := HealthReport{
		State:     HealthOK,
		CheckedAt: time.Now().UTC(),
	}
	for _, r := range reporters {
		h := r.Health(ctx)
		report.Components = append(report.Components, h)
		if worse(h.State, report.State) {
			report.State = h.State
		}
	}
	return report
}

func worse(a, b HealthState) bool {
	return rank(a) > rank(b)
}

func rank(s HealthState) int {
	switch s {
	case HealthDown:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
