// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines which instance
// runs the polling loop. The lock is held for the lifetime of a dedicated
// database connection; there is no renewal or TTL. If the connection dies,
// Postgres releases the lock server-side (timing depends on TCP keepalive
// settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Reasons leadership can end, reported via MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Config holds election parameters.
type Config struct {
	// LockKey identifies the advisory lock. All instances sharing a
	// database must agree on it.
	LockKey int64

	// RetryInterval is how often a follower attempts acquisition; it
	// bounds the failover gap.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its dedicated
	// connection to detect connection death.
	HeartbeatInterval time.Duration
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db        *sql.DB
	config    Config
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the
// lock. The provided context is cancelled when leadership is lost.
// onElected should start leader duties (the scheduler loop, the audit
// janitor) and return quickly.
//
// onDemoted is called synchronously when leadership is lost. It should
// stop leader duties and block until they are fully stopped. It must be
// idempotent.
func New(db *sql.DB, config Config, onElected func(ctx context.Context), onDemoted func()) *Elector {
	return &Elector{
		db:        db,
		config:    config,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (lock_key=%d, retry=%s, heartbeat=%s)",
		e.config.LockKey, e.config.RetryInterval, e.config.HeartbeatInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: failed to acquire dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	// Non-blocking lock attempt.
	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.config.LockKey).Scan(&acquired)
	if err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return ""
	}
	if !acquired {
		log.Printf("leader: lock %d held by another instance, retrying in %s", e.config.LockKey, e.config.RetryInterval)
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.config.LockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	// Ping detects local connection death; it does NOT renew the lock.
	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released advisory lock %d", e.config.LockKey)
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leader: dedicated connection ping failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}
