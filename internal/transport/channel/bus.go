// Package channel provides the in-memory bus carrying audit events from
// the scheduler to the audit recorder.
package channel

import (
	"errors"

	"github.com/gyotov/themify-scheduler/internal/domain"
)

// ErrBufferFull is returned when the bus buffer is saturated. Audit is
// best-effort: the emitter logs and moves on rather than blocking a cycle.
var ErrBufferFull = errors.New("audit bus buffer full")

// MetricsSink records bus health. Methods must be non-blocking.
type MetricsSink interface {
	AuditBufferSizeUpdate(size int)
	AuditEmitDropped()
}

// Option configures an AuditBus.
type Option func(*AuditBus)

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(sink MetricsSink) Option {
	return func(b *AuditBus) {
		b.metrics = sink
	}
}

// AuditBus is a bounded buffer of audit events.
type AuditBus struct {
	ch      chan domain.AuditEvent
	metrics MetricsSink // optional, nil = disabled
}

func NewAuditBus(buffer int, opts ...Option) *AuditBus {
	b := &AuditBus{
		ch: make(chan domain.AuditEvent, buffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit enqueues an event without blocking. Returns ErrBufferFull if the
// recorder has fallen behind and the buffer is saturated.
func (b *AuditBus) Emit(event domain.AuditEvent) error {
	select {
	case b.ch <- event:
		if b.metrics != nil {
			b.metrics.AuditBufferSizeUpdate(len(b.ch))
		}
		return nil
	default:
		if b.metrics != nil {
			b.metrics.AuditEmitDropped()
		}
		return ErrBufferFull
	}
}

func (b *AuditBus) Channel() <-chan domain.AuditEvent {
	return b.ch
}
