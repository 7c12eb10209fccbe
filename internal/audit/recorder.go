// Package audit persists terminal job outcomes for a bounded window.
//
// Job rows are deleted on resolution, so without the audit log there is
// no record that a job ever existed. The recorder consumes events from
// the audit bus and writes them best-effort; the janitor prunes rows
// older than the retention window. Neither ever influences how a job
// itself is resolved.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/gyotov/themify-scheduler/internal/domain"
)

// Store defines the persistence operations the audit pipeline needs.
type Store interface {
	InsertAuditEvent(ctx context.Context, event domain.AuditEvent) error
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalyticsSink receives a copy of every recorded event for aggregate
// counters. Sink errors never affect persistence.
type AnalyticsSink interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}

// DrainTimeout is the maximum time to spend persisting buffered events
// during shutdown.
const DrainTimeout = 10 * time.Second

// Recorder persists audit events from the bus.
type Recorder struct {
	store     Store
	analytics AnalyticsSink // optional, nil = disabled
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// WithAnalytics attaches an analytics sink to the recorder.
func (r *Recorder) WithAnalytics(sink AnalyticsSink) *Recorder {
	r.analytics = sink
	return r
}

// Run consumes events until ctx is cancelled, then drains whatever is
// still buffered.
func (r *Recorder) Run(ctx context.Context, ch <-chan domain.AuditEvent) {
	for {
		select {
		case <-ctx.Done():
			r.drain(ch)
			return
		case event := <-ch:
			r.record(ctx, event)
		}
	}
}

func (r *Recorder) record(ctx context.Context, event domain.AuditEvent) {
	if err := r.store.InsertAuditEvent(ctx, event); err != nil {
		// Best-effort: the job is already resolved either way.
		log.Printf("audit: failed to record job=%s outcome=%s: %v", event.JobID, event.Outcome, err)
	}
	if r.analytics != nil {
		if err := r.analytics.Record(ctx, event); err != nil {
			log.Printf("audit: analytics sink failed for job=%s: %v", event.JobID, err)
		}
	}
}

func (r *Recorder) drain(ch <-chan domain.AuditEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			log.Printf("audit: drain timeout, recorded %d events", count)
			return
		case event := <-ch:
			r.record(drainCtx, event)
			count++
		default:
			if count > 0 {
				log.Printf("audit: drain complete, recorded %d events", count)
			}
			return
		}
	}
}
