package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gyotov/themify-scheduler/internal/api"
	"github.com/gyotov/themify-scheduler/internal/audit"
	"github.com/gyotov/themify-scheduler/internal/domain"
	"github.com/gyotov/themify-scheduler/internal/scheduler"
)

// Store implements the job store, tenant/usage store, and audit store
// interfaces using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a PostgreSQL store. Every operation runs under opTimeout
// in addition to whatever deadline the caller's context carries.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateJob inserts a PENDING job. Returns api.ErrDuplicateTarget if a
// PENDING job already exists for the same target (enforced by a partial
// unique index on target_id).
func (s *Store) CreateJob(ctx context.Context, job domain.ScheduledJob) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertJob,
		job.ID,
		string(job.Kind),
		job.TargetID,
		job.TenantID,
		job.DueAt,
		string(job.Status),
		job.Attempts,
		job.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return api.ErrDuplicateTarget
		}
		return err
	}
	return nil
}

// FindDueJobs returns every PENDING job with due_at <= now, in no
// particular order.
func (s *Store) FindDueJobs(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryFindDueJobs, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// FindJobsByTargetIDs returns the jobs scheduled for any of the given
// targets. An empty set is answered without touching the database.
func (s *Store) FindJobsByTargetIDs(ctx context.Context, targetIDs []string) ([]domain.ScheduledJob, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryFindJobsByTargetIDs, pq.Array(targetIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]domain.ScheduledJob, error) {
	var result []domain.ScheduledJob
	for rows.Next() {
		var job domain.ScheduledJob
		var kind, status string

		err := rows.Scan(
			&job.ID,
			&kind,
			&job.TargetID,
			&job.TenantID,
			&job.DueAt,
			&status,
			&job.Attempts,
			&job.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		job.Kind = domain.JobKind(kind)
		job.Status = domain.JobStatus(status)
		result = append(result, job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteJobByID removes a job row. Returns sql.ErrNoRows if the job does
// not exist (already resolved or cancelled).
func (s *Store) DeleteJobByID(ctx context.Context, jobID uuid.UUID) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteJobByID, jobID).Scan(&deletedID)
	if err != nil {
		return err
	}
	return nil
}

// DeleteJobByTargetID removes the PENDING job for a target and returns
// the deleted row. Returns sql.ErrNoRows when no such job exists; callers
// treat re-cancellation as a benign condition.
func (s *Store) DeleteJobByTargetID(ctx context.Context, targetID string) (domain.ScheduledJob, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var job domain.ScheduledJob
	var kind, status string
	err := s.db.QueryRowContext(ctx, queryDeleteJobByTargetID, targetID).Scan(
		&job.ID,
		&kind,
		&job.TargetID,
		&job.TenantID,
		&job.DueAt,
		&status,
		&job.Attempts,
		&job.CreatedAt,
	)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	return job, nil
}

// IncrementJobAttempts bumps the failed-attempt counter and returns the
// new value.
func (s *Store) IncrementJobAttempts(ctx context.Context, jobID uuid.UUID) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var attempts int
	if err := s.db.QueryRowContext(ctx, queryIncrementJobAttempts, jobID).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// GetSession returns the tenant record needed to call the platform.
// Returns sql.ErrNoRows if the session does not exist.
func (s *Store) GetSession(ctx context.Context, tenantID string) (domain.Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var sess domain.Session
	err := s.db.QueryRowContext(ctx, queryGetSession, tenantID).Scan(
		&sess.ID,
		&sess.Shop,
		&sess.AccessToken,
		&sess.ScheduleCount,
	)
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// GetScheduleCount returns the tenant's usage counter, defaulting to 0
// for tenants with no session row.
func (s *Store) GetScheduleCount(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, queryGetScheduleCount, tenantID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// IncrementScheduleCount atomically bumps the tenant's usage counter and
// returns the new value. The single-statement UPDATE means concurrent
// completions for the same tenant cannot lose an update.
func (s *Store) IncrementScheduleCount(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(ctx, queryIncrementScheduleCount, tenantID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// InsertAuditEvent records a terminal job outcome.
func (s *Store) InsertAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertAuditEvent,
		event.ID,
		event.JobID,
		event.TenantID,
		event.TargetID,
		string(event.Outcome),
		event.Detail,
		event.CreatedAt,
	)
	return err
}

// DeleteAuditEventsBefore prunes audit rows older than cutoff and returns
// how many were removed.
func (s *Store) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryDeleteAuditEventsBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	// Fallback for drivers that do not expose a typed error.
	errStr := err.Error()
	return contains(errStr, "23505") || contains(errStr, "unique constraint") || contains(errStr, "duplicate key")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Compile-time interface assertions
var (
	_ scheduler.JobStore    = (*Store)(nil)
	_ scheduler.TenantStore = (*Store)(nil)
	_ api.Store             = (*Store)(nil)
	_ audit.Store           = (*Store)(nil)
)
