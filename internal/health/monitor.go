package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/intake/internal/core/domain"
)

// DependencySource reports dependency health and orchestrator readiness.
type DependencySource interface {
	Ready() bool
	HealthSnapshot() []domain.DependencyHealth
}

// Counter returns a size, e.g. live sessions or queued side effects.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context) (int, error)

func (f CounterFunc) Count(ctx context.Context) (int, error) { return f(ctx) }

// DeferredBacklogLimit is the queue length above which the system is degraded.
const DeferredBacklogLimit = 100

// Monitor aggregates health status from the orchestrator and the stores.
type Monitor struct {
	deps     DependencySource
	sessions Counter
	deferred Counter
	cacheFor time.Duration

	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. sessions and deferred may be nil.
func NewMonitor(deps DependencySource, sessions, deferred Counter) *Monitor {
	return &Monitor{
		deps:     deps,
		sessions: sessions,
		deferred: deferred,
		cacheFor: time.Second,
	}
}

// CheckHealth builds the health report. Results are cached briefly.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Ready:        m.deps.Ready(),
	}

	open := 0
	snapshot := m.deps.HealthSnapshot()
	for _, h := range snapshot {
		dep := DependencyReport{DependencyHealth: h, Status: StatusHealthy}
		switch h.State {
		case domain.CircuitOpen:
			dep.Status = StatusDegraded
			open++
		case domain.CircuitHalfOpen:
			dep.Status = StatusDegraded
		default:
			if h.ConsecutiveFailures > 0 {
				dep.Status = StatusDegraded
			}
		}
		report.SystemStatus = worse(report.SystemStatus, dep.Status)
		report.Dependencies = append(report.Dependencies, dep)
	}

	if m.sessions != nil {
		if n, err := m.sessions.Count(ctx); err == nil {
			report.ActiveSessions = n
		}
	}
	if m.deferred != nil {
		if n, err := m.deferred.Count(ctx); err == nil {
			report.DeferredQueue = n
			if n > DeferredBacklogLimit {
				report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
			}
		}
	}

	// Every dependency down, or not started yet
	if !report.Ready || (len(snapshot) > 0 && open == len(snapshot)) {
		report.SystemStatus = StatusCritical
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
