package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditOutcome is the terminal resolution recorded for a job.
type AuditOutcome string

const (
	AuditOutcomePublished  AuditOutcome = "published"
	AuditOutcomeSuppressed AuditOutcome = "suppressed" // plan ceiling reached
	AuditOutcomeCancelled  AuditOutcome = "cancelled"
	AuditOutcomeAbandoned  AuditOutcome = "abandoned" // retry ceiling exhausted
)

// AuditEvent records that a job reached a terminal state. Events are
// emitted best-effort onto the audit bus; losing one never affects the
// job's own resolution.
type AuditEvent struct {
	ID       uuid.UUID
	JobID    uuid.UUID
	TenantID string
	TargetID string
	Outcome  AuditOutcome
	Detail   string

	CreatedAt time.Time
}
