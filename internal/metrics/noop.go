package metrics

import (
	"time"

	"github.com/gyotov/themify-scheduler/internal/scheduler"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) CycleStarted()                                                           {}
func (n *NoopSink) CycleCompleted(d time.Duration, result scheduler.CycleResult, err error) {}
func (n *NoopSink) JobsDueUpdate(count int)                                                 {}
func (n *NoopSink) PublishCompleted(outcome string, d time.Duration)                        {}
func (n *NoopSink) AuditBufferSizeUpdate(size int)                                          {}
func (n *NoopSink) AuditEmitDropped()                                                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                       {}
func (n *NoopSink) LeaderAcquired()                                                         {}
func (n *NoopSink) LeaderLost(reason string)                                                {}
