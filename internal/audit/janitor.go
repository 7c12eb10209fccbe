package audit

import (
	"context"
	"log"
	"time"
)

// JanitorConfig holds retention settings for the audit log.
type JanitorConfig struct {
	// Interval is how often pruning runs.
	Interval time.Duration

	// Retention is how long terminal outcomes are kept.
	Retention time.Duration
}

// DefaultJanitorConfig returns the default retention settings.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:  time.Hour,
		Retention: 30 * 24 * time.Hour,
	}
}

// Janitor prunes audit rows past the retention window.
type Janitor struct {
	config JanitorConfig
	store  Store
	clock  func() time.Time
}

func NewJanitor(config JanitorConfig, store Store) *Janitor {
	return &Janitor{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// Run starts the pruning loop. It blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	log.Printf("audit: janitor started (interval=%s, retention=%s)", j.config.Interval, j.config.Retention)

	// Prune immediately on startup, then on ticker.
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("audit: janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	cutoff := j.clock().UTC().Add(-j.config.Retention)

	pruned, err := j.store.DeleteAuditEventsBefore(ctx, cutoff)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("audit: prune failed: %v", err)
		return
	}

	if pruned > 0 {
		log.Printf("audit: pruned %d events older than %s", pruned, cutoff.Format(time.RFC3339))
	}
}
