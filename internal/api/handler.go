package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyotov/themify-scheduler/internal/domain"
	"github.com/gyotov/themify-scheduler/internal/scheduler"
)

// ErrDuplicateTarget is returned by Store.CreateJob when a PENDING job
// already exists for the same target.
var ErrDuplicateTarget = errors.New("a pending job already exists for this target")

// MaxTargetIDs bounds the batch annotation lookup.
const MaxTargetIDs = 250

type Store interface {
	CreateJob(ctx context.Context, job domain.ScheduledJob) error
	DeleteJobByTargetID(ctx context.Context, targetID string) (domain.ScheduledJob, error)
	FindJobsByTargetIDs(ctx context.Context, targetIDs []string) ([]domain.ScheduledJob, error)
}

// CycleRunner triggers one scheduler cycle; the HTTP trigger endpoint is
// the inbound cadence source for deployments without an internal timer.
type CycleRunner interface {
	RunCycle(ctx context.Context) (scheduler.CycleResult, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// AuditEmitter receives cancellation outcomes.
type AuditEmitter interface {
	Emit(event domain.AuditEvent) error
}

type Handler struct {
	store      Store
	runner     CycleRunner
	cronSecret string
	audit      AuditEmitter  // optional, nil = disabled
	db         HealthChecker // optional, nil = simple health only
}

func NewHandler(store Store, runner CycleRunner, cronSecret string) *Handler {
	return &Handler{store: store, runner: runner, cronSecret: cronSecret}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithAudit attaches an audit emitter for cancellations.
func (h *Handler) WithAudit(emitter AuditEmitter) *Handler {
	h.audit = emitter
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/jobs" && r.Method == http.MethodPost:
		h.createJob(w, r)

	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)

	case path == "/jobs" && r.Method == http.MethodDelete:
		h.cancelJob(w, r)

	case path == "/run" && r.Method == http.MethodPost:
		h.runCycle(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	kind, dueAt, err := validateCreateJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := domain.ScheduledJob{
		ID:        uuid.New(),
		Kind:      kind,
		TargetID:  req.TargetID,
		TenantID:  req.TenantID,
		DueAt:     dueAt,
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, ErrDuplicateTarget) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("api: create job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	log.Printf("api: job=%s scheduled target=%s due_at=%s", job.ID, job.TargetID, job.DueAt.Format(time.RFC3339))
	writeJSON(w, http.StatusCreated, jobResponse(job))
}

// listJobs annotates a page of targets with their schedule status.
// Target ids are passed as a comma-separated target_ids query parameter;
// they contain slashes (platform GIDs), so they never appear in the path.
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("target_ids")

	var targetIDs []string
	if raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				targetIDs = append(targetIDs, id)
			}
		}
	}
	if len(targetIDs) > MaxTargetIDs {
		writeError(w, http.StatusBadRequest, "too many target ids")
		return
	}

	jobs, err := h.store.FindJobsByTargetIDs(r.Context(), targetIDs)
	if err != nil {
		log.Printf("api: list jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = jobResponse(job)
	}

	writeJSON(w, http.StatusOK, resp)
}

// cancelJob deletes the pending job for a target. Re-cancelling an
// already-cancelled target reports not-found with no side effect.
func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("target_id")
	if targetID == "" {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}

	job, err := h.store.DeleteJobByTargetID(r.Context(), targetID)
	if err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "no pending job for target")
			return
		}
		log.Printf("api: cancel job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	if h.audit != nil {
		event := domain.AuditEvent{
			ID:        uuid.New(),
			JobID:     job.ID,
			TenantID:  job.TenantID,
			TargetID:  job.TargetID,
			Outcome:   domain.AuditOutcomeCancelled,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.audit.Emit(event); err != nil {
			log.Printf("api: audit emit failed: %v", err)
		}
	}

	log.Printf("api: job=%s cancelled target=%s", job.ID, job.TargetID)
	w.WriteHeader(http.StatusNoContent)
}

// runCycle starts one scheduler cycle on behalf of an external cadence
// source. Callers authenticate with the shared cron secret.
func (h *Handler) runCycle(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.runner.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrCycleInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("api: cycle error: %v", err)
		writeError(w, http.StatusInternalServerError, "cycle failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	want := "Bearer " + h.cronSecret
	return subtle.ConstantTimeCompare([]byte(auth), []byte(want)) == 1
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
