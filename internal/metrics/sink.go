package metrics

import (
	"time"

	"github.com/gyotov/themify-scheduler/internal/scheduler"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	CycleStarted()
	CycleCompleted(duration time.Duration, result scheduler.CycleResult, err error)
	JobsDueUpdate(count int)
	PublishCompleted(outcome string, duration time.Duration)

	// Audit bus metrics
	AuditBufferSizeUpdate(size int)
	AuditEmitDropped()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for PublishCompleted.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
