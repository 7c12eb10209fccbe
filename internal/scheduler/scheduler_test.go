package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gyotov/themify-scheduler/internal/cadence"
	"github.com/gyotov/themify-scheduler/internal/domain"
)

// opLog records cross-mock operation ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type mockJobStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]domain.ScheduledJob
	findErr error
	ops     *opLog
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[uuid.UUID]domain.ScheduledJob), ops: &opLog{}}
}

func (s *mockJobStore) addJob(job domain.ScheduledJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *mockJobStore) FindDueJobs(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var due []domain.ScheduledJob
	for _, job := range s.jobs {
		if !job.DueAt.After(now) {
			due = append(due, job)
		}
	}
	return due, nil
}

func (s *mockJobStore) DeleteJobByID(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return sql.ErrNoRows
	}
	delete(s.jobs, jobID)
	s.ops.add("delete:" + jobID.String())
	return nil
}

func (s *mockJobStore) IncrementJobAttempts(ctx context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	job.Attempts++
	s.jobs[jobID] = job
	return job.Attempts, nil
}

func (s *mockJobStore) hasJob(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

func (s *mockJobStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type mockTenantStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	counts   map[string]int
	ops      *opLog
}

func newMockTenantStore(ops *opLog) *mockTenantStore {
	return &mockTenantStore{
		sessions: make(map[string]domain.Session),
		counts:   make(map[string]int),
		ops:      ops,
	}
}

func (s *mockTenantStore) addSession(sess domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.counts[sess.ID] = sess.ScheduleCount
}

func (s *mockTenantStore) GetSession(ctx context.Context, tenantID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		return domain.Session{}, sql.ErrNoRows
	}
	return sess, nil
}

func (s *mockTenantStore) GetScheduleCount(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[tenantID], nil
}

func (s *mockTenantStore) IncrementScheduleCount(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[tenantID]++
	s.ops.add("increment:" + tenantID)
	return s.counts[tenantID], nil
}

func (s *mockTenantStore) count(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[tenantID]
}

type mockPublisher struct {
	mu          sync.Mutex
	calls       []string
	failTargets map[string]error
	started     chan struct{} // closed on first call, if set
	release     chan struct{} // blocks calls until closed, if set
}

func (p *mockPublisher) Publish(ctx context.Context, session domain.Session, themeID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, themeID)
	started := p.started
	release := p.release
	p.started = nil
	p.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failTargets[themeID]; ok {
		return err
	}
	return nil
}

func (p *mockPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type mockAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *mockAudit) Emit(event domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *mockAudit) outcomes() []domain.AuditOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditOutcome
	for _, e := range a.events {
		out = append(out, e.Outcome)
	}
	return out
}

var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestScheduler(config Config, jobs *mockJobStore, tenants *mockTenantStore, pub *mockPublisher) *Scheduler {
	s := New(config, jobs, tenants, pub, cadence.NewInterval(time.Minute))
	s.clock = func() time.Time { return testNow }
	return s
}

func dueJob(tenantID, targetID string) domain.ScheduledJob {
	return domain.ScheduledJob{
		ID:       uuid.New(),
		Kind:     domain.JobKindThemePublish,
		TargetID: targetID,
		TenantID: tenantID,
		DueAt:    testNow.Add(-time.Second),
		Status:   domain.JobStatusPending,
	}
}

// TestScheduler_NoPrematureExecution verifies a job whose due time is in
// the future is never published.
func TestScheduler_NoPrematureExecution(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	future := dueJob("t1", "theme_1")
	future.DueAt = testNow.Add(time.Hour)
	jobs.addJob(future)

	s := newTestScheduler(Config{}, jobs, tenants, pub)
	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Due != 0 {
		t.Errorf("due = %d, want 0", result.Due)
	}
	if pub.callCount() != 0 {
		t.Errorf("publisher called %d times for a future job", pub.callCount())
	}
	if !jobs.hasJob(future.ID) {
		t.Error("future job must remain pending")
	}
}

func TestScheduler_SuccessDeletesJobAndIncrementsCounter(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	job := dueJob("t1", "theme_1")
	jobs.addJob(job)

	s := newTestScheduler(Config{PlanScheduleLimit: 10}, jobs, tenants, pub)
	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Published != 1 {
		t.Errorf("published = %d, want 1", result.Published)
	}
	if jobs.hasJob(job.ID) {
		t.Error("job must be deleted after successful publish")
	}
	if got := tenants.count("t1"); got != 1 {
		t.Errorf("schedule count = %d, want 1", got)
	}
}

// TestScheduler_DeleteBeforeIncrement verifies the resolution order: the
// row delete must be confirmed before the usage counter moves.
func TestScheduler_DeleteBeforeIncrement(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	job := dueJob("t1", "theme_1")
	jobs.addJob(job)

	s := newTestScheduler(Config{PlanScheduleLimit: 10}, jobs, tenants, pub)
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	ops := jobs.ops.list()
	if len(ops) != 2 || ops[0] != "delete:"+job.ID.String() || ops[1] != "increment:t1" {
		t.Errorf("operation order = %v, want [delete increment]", ops)
	}
}

// TestScheduler_FailureIsolation verifies one failing job does not stop
// the rest of the batch from resolving.
func TestScheduler_FailureIsolation(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{failTargets: map[string]error{"theme_bad": errors.New("platform error")}}

	tenants.addSession(domain.Session{ID: "t1", Shop: "a.myshopify.com"})
	tenants.addSession(domain.Session{ID: "t2", Shop: "b.myshopify.com"})
	tenants.addSession(domain.Session{ID: "t3", Shop: "c.myshopify.com"})

	good1 := dueJob("t1", "theme_1")
	bad := dueJob("t2", "theme_bad")
	good2 := dueJob("t3", "theme_2")
	jobs.addJob(good1)
	jobs.addJob(bad)
	jobs.addJob(good2)

	s := newTestScheduler(Config{PlanScheduleLimit: 10}, jobs, tenants, pub)
	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Published != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want published=2 failed=1", result)
	}
	if jobs.hasJob(good1.ID) || jobs.hasJob(good2.ID) {
		t.Error("successful jobs must be deleted")
	}
	if !jobs.hasJob(bad.ID) {
		t.Error("failed job must remain pending for the next cycle")
	}
	if tenants.count("t1") != 1 || tenants.count("t3") != 1 {
		t.Error("successful tenants' counters must be incremented")
	}
	if tenants.count("t2") != 0 {
		t.Error("failed tenant's counter must not move")
	}
}

// TestScheduler_PlanLimitEnforcement verifies a tenant at the ceiling has
// the job dropped without a publish call or counter movement.
func TestScheduler_PlanLimitEnforcement(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}
	audit := &mockAudit{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com", ScheduleCount: 3})
	job := dueJob("t1", "theme_1")
	jobs.addJob(job)

	s := newTestScheduler(Config{PlanScheduleLimit: 3}, jobs, tenants, pub).WithAudit(audit)
	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", result.Suppressed)
	}
	if pub.callCount() != 0 {
		t.Error("publisher must not be called for a plan-limited job")
	}
	if jobs.hasJob(job.ID) {
		t.Error("plan-limited job must be deleted, not retried")
	}
	if tenants.count("t1") != 3 {
		t.Errorf("counter = %d, want unchanged 3", tenants.count("t1"))
	}
	outcomes := audit.outcomes()
	if len(outcomes) != 1 || outcomes[0] != domain.AuditOutcomeSuppressed {
		t.Errorf("audit outcomes = %v, want [suppressed]", outcomes)
	}
}

// TestScheduler_RetryUntilSuccess verifies a job failing on cycle 1 and
// succeeding on cycle 2 ends deleted with exactly one increment.
func TestScheduler_RetryUntilSuccess(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{failTargets: map[string]error{"theme_1": errors.New("transient")}}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	job := dueJob("t1", "theme_1")
	jobs.addJob(job)

	s := newTestScheduler(Config{PlanScheduleLimit: 10}, jobs, tenants, pub)

	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if result.Failed != 1 || !jobs.hasJob(job.ID) {
		t.Fatalf("cycle 1: job should fail and remain, result=%+v", result)
	}

	pub.mu.Lock()
	delete(pub.failTargets, "theme_1")
	pub.mu.Unlock()

	result, err = s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if result.Published != 1 {
		t.Fatalf("cycle 2: published = %d, want 1", result.Published)
	}
	if jobs.hasJob(job.ID) {
		t.Error("job must be deleted after the successful retry")
	}
	if got := tenants.count("t1"); got != 1 {
		t.Errorf("counter = %d, want exactly 1", got)
	}
}

func TestScheduler_SessionNotFoundSkipsJobOnly(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	orphan := dueJob("ghost", "theme_ghost")
	ok := dueJob("t1", "theme_1")
	jobs.addJob(orphan)
	jobs.addJob(ok)

	s := newTestScheduler(Config{}, jobs, tenants, pub)
	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Skipped != 1 || result.Published != 1 {
		t.Errorf("result = %+v, want skipped=1 published=1", result)
	}
	if !jobs.hasJob(orphan.ID) {
		t.Error("orphaned job must remain pending")
	}
}

func TestScheduler_FindDueErrorAbortsCycle(t *testing.T) {
	jobs := newMockJobStore()
	jobs.findErr = errors.New("db unavailable")
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	s := newTestScheduler(Config{}, jobs, tenants, pub)
	if _, err := s.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error when discovery fails")
	}
	if pub.callCount() != 0 {
		t.Error("no job may execute when discovery failed")
	}
}

// TestScheduler_ConcurrentCyclesSerialized verifies a trigger arriving
// while a cycle runs is rejected instead of racing for the same jobs.
func TestScheduler_ConcurrentCyclesSerialized(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)

	started := make(chan struct{})
	release := make(chan struct{})
	pub := &mockPublisher{started: started, release: release}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	jobs.addJob(dueJob("t1", "theme_1"))

	s := newTestScheduler(Config{}, jobs, tenants, pub)

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		firstDone <- err
	}()

	<-started // first cycle is mid-publish

	if _, err := s.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("second cycle err = %v, want ErrCycleInProgress", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestScheduler_MaxAttemptsAbandonsJob(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{failTargets: map[string]error{"theme_1": errors.New("permanent")}}
	audit := &mockAudit{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	job := dueJob("t1", "theme_1")
	jobs.addJob(job)

	s := newTestScheduler(Config{MaxAttempts: 2}, jobs, tenants, pub).WithAudit(audit)

	result, _ := s.RunCycle(context.Background())
	if result.Failed != 1 {
		t.Fatalf("cycle 1 result = %+v, want failed=1", result)
	}

	result, _ = s.RunCycle(context.Background())
	if result.Abandoned != 1 {
		t.Fatalf("cycle 2 result = %+v, want abandoned=1", result)
	}
	if jobs.hasJob(job.ID) {
		t.Error("exhausted job must be deleted")
	}
	if tenants.count("t1") != 0 {
		t.Error("abandoned job must not move the counter")
	}
	outcomes := audit.outcomes()
	if len(outcomes) != 1 || outcomes[0] != domain.AuditOutcomeAbandoned {
		t.Errorf("audit outcomes = %v, want [abandoned]", outcomes)
	}
}

func TestScheduler_UnknownKindSkipped(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	job := dueJob("t1", "theme_1")
	job.Kind = "mystery_kind"
	jobs.addJob(job)

	s := newTestScheduler(Config{}, jobs, tenants, pub)
	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
	if pub.callCount() != 0 {
		t.Error("unknown kinds must not be published")
	}
}

// TestScheduler_PlanLimitScenario walks the example: counter=2, ceiling=3,
// J1 due and J2 not due; then a new due job once the ceiling is reached.
func TestScheduler_PlanLimitScenario(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com", ScheduleCount: 2})

	j1 := dueJob("t1", "theme_1")
	j2 := dueJob("t1", "theme_2")
	j2.DueAt = testNow.Add(time.Hour)
	jobs.addJob(j1)
	jobs.addJob(j2)

	s := newTestScheduler(Config{PlanScheduleLimit: 3}, jobs, tenants, pub)

	result, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if result.Published != 1 {
		t.Fatalf("cycle 1 result = %+v, want published=1", result)
	}
	if tenants.count("t1") != 3 {
		t.Fatalf("counter = %d, want 3", tenants.count("t1"))
	}
	if !jobs.hasJob(j2.ID) {
		t.Fatal("J2 is not due and must be untouched")
	}

	j3 := dueJob("t1", "theme_3")
	jobs.addJob(j3)

	publishesBefore := pub.callCount()
	result, err = s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if result.Suppressed != 1 {
		t.Fatalf("cycle 2 result = %+v, want suppressed=1", result)
	}
	if pub.callCount() != publishesBefore {
		t.Error("J3 must be dropped without a publish call")
	}
	if tenants.count("t1") != 3 {
		t.Errorf("counter = %d, want still 3", tenants.count("t1"))
	}
	if jobs.hasJob(j3.ID) {
		t.Error("suppressed job must be deleted")
	}
}

// TestScheduler_RunLoopFiresOnCadence verifies the timer loop keeps
// polling the store at the cadence until cancelled.
func TestScheduler_RunLoopFiresOnCadence(t *testing.T) {
	jobs := newMockJobStore()
	tenants := newMockTenantStore(jobs.ops)
	pub := &mockPublisher{}

	tenants.addSession(domain.Session{ID: "t1", Shop: "acme.myshopify.com"})
	jobs.addJob(domain.ScheduledJob{
		ID:       uuid.New(),
		Kind:     domain.JobKindThemePublish,
		TargetID: "theme_loop",
		TenantID: "t1",
		DueAt:    time.Now().Add(-time.Second),
		Status:   domain.JobStatusPending,
	})

	// Real clock with a fast interval cadence.
	s := New(Config{}, jobs, tenants, pub, cadence.NewInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for pub.callCount() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("run loop never published the due job")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if jobs.jobCount() != 0 {
		t.Errorf("%d jobs still pending after publish", jobs.jobCount())
	}
}
