package api

import (
	"fmt"
	"time"

	"github.com/gyotov/themify-scheduler/internal/domain"
)

func validateCreateJob(req CreateJobRequest) (domain.JobKind, time.Time, error) {
	kind := domain.JobKind(req.JobKind)
	if req.JobKind == "" {
		kind = domain.JobKindThemePublish
	}
	if kind != domain.JobKindThemePublish {
		return "", time.Time{}, fmt.Errorf("unknown job_kind %q", req.JobKind)
	}

	if req.TargetID == "" {
		return "", time.Time{}, fmt.Errorf("target_id is required")
	}

	if req.TenantID == "" {
		return "", time.Time{}, fmt.Errorf("tenant_id is required")
	}

	if req.DueAt == "" {
		return "", time.Time{}, fmt.Errorf("due_at is required")
	}
	dueAt, err := time.Parse(time.RFC3339, req.DueAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid due_at: %w", err)
	}

	return kind, dueAt.UTC(), nil
}
