package api

import (
	"time"

	"github.com/gyotov/themify-scheduler/internal/domain"
)

type CreateJobRequest struct {
	JobKind  string `json:"job_kind,omitempty"` // default "theme_publish"
	TargetID string `json:"target_id"`
	TenantID string `json:"tenant_id"`
	DueAt    string `json:"due_at"` // RFC 3339
}

type JobResponse struct {
	ID        string `json:"id"`
	JobKind   string `json:"job_kind"`
	TargetID  string `json:"target_id"`
	TenantID  string `json:"tenant_id"`
	DueAt     string `json:"due_at"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	CreatedAt string `json:"created_at"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func jobResponse(job domain.ScheduledJob) JobResponse {
	return JobResponse{
		ID:        job.ID.String(),
		JobKind:   string(job.Kind),
		TargetID:  job.TargetID,
		TenantID:  job.TenantID,
		DueAt:     formatTime(job.DueAt),
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		CreatedAt: formatTime(job.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
