package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the action a scheduled job performs.
// Currently only theme publishing exists; the column is typed for extension.
type JobKind string

const (
	JobKindThemePublish JobKind = "theme_publish"
)

// JobStatus is the persisted job state. A job is either present-and-pending
// or deleted; terminal outcomes live in the audit log, not on the row.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
)

// ScheduledJob is a persisted record of deferred work: publish TargetID on
// behalf of TenantID once DueAt has passed.
type ScheduledJob struct {
	ID       uuid.UUID
	Kind     JobKind
	TargetID string // platform theme id, e.g. "gid://shopify/OnlineStoreTheme/123"
	TenantID string // session id; weak reference, resolved per cycle
	DueAt    time.Time
	Status   JobStatus

	// Attempts counts failed publish attempts. Informational unless a
	// retry ceiling is configured.
	Attempts int

	CreatedAt time.Time
}
