package domain

import "time"

// Dependency names used across the orchestrator and its callers.
const (
	DependencyLLM      = "llm"
	DependencyCalendar = "calendar"
	DependencyCRM      = "crm"
)

// Operation names.
const (
	OpClassifyIntent = "classifyIntent"
	OpExtractFields  = "extractFields"
	OpCreateEvent    = "createEvent"
	OpUpsertContact  = "upsertContact"
)

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// DependencyHealth is a point-in-time snapshot of one dependency.
type DependencyHealth struct {
	Name                string        `json:"name"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	Attempts            int64         `json:"attempts"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	Rejected            int64         `json:"rejected"`
	FallbacksUsed       int64         `json:"fallbacks_used"`
	AverageLatency      time.Duration `json:"average_latency"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
}

// DeferredSideEffect is a calendar/CRM call postponed by a fallback.
type DeferredSideEffect struct {
	BookingID  string    `json:"booking_id"`
	Dependency string    `json:"dependency"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key identifies the deferred entry; one per booking and dependency.
func (d DeferredSideEffect) Key() string {
	return d.Dependency + ":" + d.BookingID
}
