// Package health provides system health monitoring and status reporting.
package health

import "github.com/vietddude/intake/internal/core/domain"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// DependencyReport is the health of one external dependency.
type DependencyReport struct {
	domain.DependencyHealth
	Status SystemStatus `json:"status"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus   SystemStatus       `json:"system_status"`
	Ready          bool               `json:"ready"`
	Dependencies   []DependencyReport `json:"dependencies"`
	ActiveSessions int                `json:"active_sessions"`
	DeferredQueue  int                `json:"deferred_queue"`
}

// worse returns the more severe of a and b.
func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
