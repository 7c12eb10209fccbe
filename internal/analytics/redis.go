package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyotov/themify-scheduler/internal/domain"
)

// RedisSink accumulates per-tenant publish outcome counters in Redis.
// Counters are bucketed by time window and expire after the configured
// retention, so the keyspace stays bounded without a cleanup job.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

// NewRedisSink creates a sink with daily buckets retained for 90 days.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{
		client:    client,
		window:    24 * time.Hour,
		retention: 90 * 24 * time.Hour,
	}
}

// WithWindow sets the bucket window (1m, 5m, 1h or 24h).
func (s *RedisSink) WithWindow(window time.Duration) *RedisSink {
	s.window = window
	return s
}

// WithRetention sets the TTL applied on every write.
func (s *RedisSink) WithRetention(retention time.Duration) *RedisSink {
	s.retention = retention
	return s
}

// Record increments the counter for the event's tenant and outcome.
func (s *RedisSink) Record(ctx context.Context, event domain.AuditEvent) error {
	key := buildKey(event.TenantID, string(event.Outcome), event.CreatedAt, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads the counter for a tenant, outcome and bucket timestamp.
func (s *RedisSink) Count(ctx context.Context, tenantID, outcome string, at time.Time) (int64, error) {
	key := buildKey(tenantID, outcome, at, s.window)
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func buildKey(tenantID, outcome string, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("t:%s:publish:%s:%s", tenantID, outcome, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("20060102")
	}
}
