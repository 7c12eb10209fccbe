package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyotov/themify-scheduler/internal/cadence"
	"github.com/gyotov/themify-scheduler/internal/domain"
)

// ErrCycleInProgress is returned when a cycle is triggered while a
// previous one is still running. Cycles never overlap; the trigger that
// arrives second loses.
var ErrCycleInProgress = errors.New("scheduler cycle already in progress")

type JobStore interface {
	FindDueJobs(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error)
	DeleteJobByID(ctx context.Context, jobID uuid.UUID) error
	IncrementJobAttempts(ctx context.Context, jobID uuid.UUID) (int, error)
}

type TenantStore interface {
	GetSession(ctx context.Context, tenantID string) (domain.Session, error)
	GetScheduleCount(ctx context.Context, tenantID string) (int, error)
	IncrementScheduleCount(ctx context.Context, tenantID string) (int, error)
}

// Publisher performs the side-effecting platform call. Publishing an
// already-published theme is a platform-side no-op, so the scheduler may
// retry a publish without de-duplication tokens.
type Publisher interface {
	Publish(ctx context.Context, session domain.Session, themeID string) error
}

// AuditEmitter receives terminal outcomes. Emit must not block; failures
// are the emitter's problem, never the job's.
type AuditEmitter interface {
	Emit(event domain.AuditEvent) error
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CycleStarted()
	CycleCompleted(duration time.Duration, result CycleResult, err error)
	JobsDueUpdate(count int)
	PublishCompleted(outcome string, duration time.Duration)
}

// Config holds scheduler policy.
type Config struct {
	// PlanScheduleLimit is the plan ceiling: the maximum number of
	// successfully executed jobs per tenant. 0 disables admission checks.
	PlanScheduleLimit int

	// JobTimeout bounds the time spent on a single job, publish call
	// included. A timed-out job counts as failed and is retried next cycle.
	JobTimeout time.Duration

	// MaxAttempts caps failed publish attempts per job. 0 means retry
	// forever, matching the historical behavior; when set, exhausted jobs
	// are dropped and audited as abandoned.
	MaxAttempts int
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Due        int `json:"due"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
	Skipped    int `json:"skipped"`
	Abandoned  int `json:"abandoned"`
}

// Scheduler discovers due jobs on a cadence and drives each to a terminal
// state, isolating failures between jobs.
type Scheduler struct {
	config    Config
	jobs      JobStore
	tenants   TenantStore
	publisher Publisher
	cadence   cadence.Cadence
	audit     AuditEmitter // optional, nil = disabled
	metrics   MetricsSink  // optional, nil = disabled
	clock     func() time.Time

	// cycleMu serializes cycles across the timer loop and the HTTP
	// trigger.
	cycleMu sync.Mutex
}

func New(config Config, jobs JobStore, tenants TenantStore, publisher Publisher, cad cadence.Cadence) *Scheduler {
	return &Scheduler{
		config:    config,
		jobs:      jobs,
		tenants:   tenants,
		publisher: publisher,
		cadence:   cad,
		clock:     time.Now,
	}
}

// WithAudit attaches an audit emitter to the scheduler.
func (s *Scheduler) WithAudit(emitter AuditEmitter) *Scheduler {
	s.audit = emitter
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Run wakes on the cadence and runs cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler: started (plan_limit=%d, job_timeout=%s, max_attempts=%d)",
		s.config.PlanScheduleLimit, s.config.JobTimeout, s.config.MaxAttempts)

	next := s.cadence.Next(s.clock())

	for {
		timer := time.NewTimer(next.Sub(s.clock()))

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				log.Printf("scheduler: cycle error: %v", err)
			}
		}

		next = s.cadence.Next(s.clock())
	}
}

// RunCycle executes a single cycle: discover due jobs and resolve each
// independently. Safe to call from the HTTP trigger; concurrent calls
// return ErrCycleInProgress instead of racing for the same jobs.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	if !s.cycleMu.TryLock() {
		return CycleResult{}, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()

	start := s.clock()
	now := start.UTC()

	if s.metrics != nil {
		s.metrics.CycleStarted()
	}

	result, err := s.processCycle(ctx, now)

	if s.metrics != nil {
		s.metrics.CycleCompleted(s.clock().Sub(start), result, err)
	}

	return result, err
}

func (s *Scheduler) processCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	var result CycleResult

	jobs, err := s.jobs.FindDueJobs(ctx, now)
	if err != nil {
		// Nothing to iterate: abort this cycle only. The cadence keeps
		// firing.
		return result, fmt.Errorf("find due jobs: %w", err)
	}

	result.Due = len(jobs)
	if s.metrics != nil {
		s.metrics.JobsDueUpdate(len(jobs))
	}

	if len(jobs) == 0 {
		return result, nil
	}

	log.Printf("scheduler: cycle started, due=%d", len(jobs))

	for _, job := range jobs {
		outcome := s.processJob(ctx, job)
		switch outcome {
		case outcomePublished:
			result.Published++
		case outcomeFailed:
			result.Failed++
		case outcomeSuppressed:
			result.Suppressed++
		case outcomeSkipped:
			result.Skipped++
		case outcomeAbandoned:
			result.Abandoned++
		}
	}

	log.Printf("scheduler: cycle complete, published=%d failed=%d suppressed=%d skipped=%d abandoned=%d",
		result.Published, result.Failed, result.Suppressed, result.Skipped, result.Abandoned)

	return result, nil
}

type jobOutcome int

const (
	outcomePublished jobOutcome = iota
	outcomeFailed
	outcomeSuppressed
	outcomeSkipped
	outcomeAbandoned
)

// processJob resolves one job. It never returns an error: every failure
// mode is absorbed here so one job cannot abort the rest of the cycle.
func (s *Scheduler) processJob(ctx context.Context, job domain.ScheduledJob) (outcome jobOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: job=%s panic: %v", job.ID, r)
			outcome = outcomeFailed
		}
	}()

	if job.Kind != domain.JobKindThemePublish {
		log.Printf("scheduler: job=%s unknown kind %q, skipping", job.ID, job.Kind)
		return outcomeSkipped
	}

	jobCtx := ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	sess, err := s.tenants.GetSession(jobCtx, job.TenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("scheduler: job=%s tenant=%s session not found, skipping", job.ID, job.TenantID)
			return outcomeSkipped
		}
		log.Printf("scheduler: job=%s session lookup failed: %v", job.ID, err)
		return outcomeFailed
	}

	if s.config.PlanScheduleLimit > 0 {
		count, err := s.tenants.GetScheduleCount(jobCtx, job.TenantID)
		if err != nil {
			log.Printf("scheduler: job=%s usage lookup failed: %v", job.ID, err)
			return outcomeFailed
		}
		if count >= s.config.PlanScheduleLimit {
			return s.suppress(jobCtx, job, count)
		}
	}

	publishStart := s.clock()
	err = s.publisher.Publish(jobCtx, sess, job.TargetID)
	publishDuration := s.clock().Sub(publishStart)

	if err != nil {
		if s.metrics != nil {
			s.metrics.PublishCompleted("failure", publishDuration)
		}
		return s.handlePublishFailure(jobCtx, job, err)
	}

	if s.metrics != nil {
		s.metrics.PublishCompleted("success", publishDuration)
	}

	// Delete first, then increment. A crash between the two under-counts
	// usage, which only relaxes the plan limit; the reverse order could
	// double-count and wrongly block a tenant.
	if err := s.jobs.DeleteJobByID(jobCtx, job.ID); err != nil {
		if err == sql.ErrNoRows {
			// Cancelled mid-cycle; the delete that ran first wins.
			log.Printf("scheduler: job=%s already deleted, skipping increment", job.ID)
			return outcomeSkipped
		}
		log.Printf("scheduler: job=%s delete failed after publish: %v", job.ID, err)
		return outcomeFailed
	}

	if _, err := s.tenants.IncrementScheduleCount(jobCtx, job.TenantID); err != nil {
		// Job is resolved; losing the increment only under-counts.
		log.Printf("scheduler: job=%s usage increment failed: %v", job.ID, err)
	}

	s.emitAudit(job, domain.AuditOutcomePublished, "")
	log.Printf("scheduler: job=%s published target=%s tenant=%s", job.ID, job.TargetID, job.TenantID)
	return outcomePublished
}

// suppress drops a job whose tenant has reached the plan ceiling. The job
// can never succeed without an upgrade, so leaving it PENDING would just
// burn a publish slot every cycle.
func (s *Scheduler) suppress(ctx context.Context, job domain.ScheduledJob, count int) jobOutcome {
	if err := s.jobs.DeleteJobByID(ctx, job.ID); err != nil && err != sql.ErrNoRows {
		log.Printf("scheduler: job=%s suppression delete failed: %v", job.ID, err)
		return outcomeFailed
	}

	s.emitAudit(job, domain.AuditOutcomeSuppressed, fmt.Sprintf("schedule count %d at plan limit %d", count, s.config.PlanScheduleLimit))
	log.Printf("scheduler: job=%s suppressed, tenant=%s at plan limit (%d/%d)",
		job.ID, job.TenantID, count, s.config.PlanScheduleLimit)
	return outcomeSuppressed
}

func (s *Scheduler) handlePublishFailure(ctx context.Context, job domain.ScheduledJob, publishErr error) jobOutcome {
	attempts, err := s.jobs.IncrementJobAttempts(ctx, job.ID)
	if err != nil {
		log.Printf("scheduler: job=%s attempts update failed: %v", job.ID, err)
		attempts = job.Attempts + 1
	}

	if s.config.MaxAttempts > 0 && attempts >= s.config.MaxAttempts {
		if err := s.jobs.DeleteJobByID(ctx, job.ID); err != nil && err != sql.ErrNoRows {
			log.Printf("scheduler: job=%s abandon delete failed: %v", job.ID, err)
			return outcomeFailed
		}
		s.emitAudit(job, domain.AuditOutcomeAbandoned, publishErr.Error())
		log.Printf("scheduler: job=%s abandoned after %d attempts: %v", job.ID, attempts, publishErr)
		return outcomeAbandoned
	}

	// Job stays PENDING and is retried next cycle.
	log.Printf("scheduler: job=%s publish failed (attempt %d): %v", job.ID, attempts, publishErr)
	return outcomeFailed
}

func (s *Scheduler) emitAudit(job domain.ScheduledJob, outcome domain.AuditOutcome, detail string) {
	if s.audit == nil {
		return
	}
	event := domain.AuditEvent{
		ID:        uuid.New(),
		JobID:     job.ID,
		TenantID:  job.TenantID,
		TargetID:  job.TargetID,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.audit.Emit(event); err != nil {
		log.Printf("scheduler: job=%s audit emit failed: %v", job.ID, err)
	}
}
