package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gyotov/themify-scheduler/internal/scheduler"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	cyclesTotal      prometheus.Counter
	cycleErrorsTotal prometheus.Counter
	cycleDuration    prometheus.Histogram
	jobsDue          prometheus.Gauge
	jobOutcomesTotal *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec

	// Audit bus metrics
	auditBufferSize prometheus.Gauge
	auditDropsTotal prometheus.Counter

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initAuditMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themify_scheduler_cycles_total",
		Help: "Total number of scheduler cycles run.",
	})
	s.cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themify_scheduler_cycle_errors_total",
		Help: "Total number of scheduler cycles that failed before processing jobs.",
	})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themify_scheduler_cycle_duration_seconds",
		Help:    "Duration of each scheduler cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	s.jobsDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "themify_scheduler_jobs_due",
		Help: "Number of due jobs found by the most recent cycle.",
	})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themify_scheduler_job_outcomes_total",
		Help: "Total number of per-job outcomes across all cycles.",
	}, []string{"outcome"})
	s.publishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themify_publish_duration_seconds",
		Help:    "Theme publish request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	s.register(reg, s.cyclesTotal, "themify_scheduler_cycles_total")
	s.register(reg, s.cycleErrorsTotal, "themify_scheduler_cycle_errors_total")
	s.register(reg, s.cycleDuration, "themify_scheduler_cycle_duration_seconds")
	s.register(reg, s.jobsDue, "themify_scheduler_jobs_due")
	s.register(reg, s.jobOutcomesTotal, "themify_scheduler_job_outcomes_total")
	s.register(reg, s.publishDuration, "themify_publish_duration_seconds")
}

func (s *PrometheusSink) initAuditMetrics(reg prometheus.Registerer) {
	s.auditBufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "themify_audit_buffer_size",
		Help: "Current number of events in the audit bus buffer.",
	})
	s.auditDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themify_audit_drops_total",
		Help: "Total number of audit events dropped (buffer full).",
	})

	s.register(reg, s.auditBufferSize, "themify_audit_buffer_size")
	s.register(reg, s.auditDropsTotal, "themify_audit_drops_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "themify_leader_status",
		Help: "1 if this instance is the leader, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themify_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themify_leader_lost_total",
		Help: "Total number of times this instance lost leadership.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "themify_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "themify_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "themify_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) CycleStarted() {
	s.cyclesTotal.Inc()
}

func (s *PrometheusSink) CycleCompleted(duration time.Duration, result scheduler.CycleResult, err error) {
	s.cycleDuration.Observe(duration.Seconds())
	if err != nil {
		s.cycleErrorsTotal.Inc()
	}
	s.jobOutcomesTotal.WithLabelValues("published").Add(float64(result.Published))
	s.jobOutcomesTotal.WithLabelValues("failed").Add(float64(result.Failed))
	s.jobOutcomesTotal.WithLabelValues("suppressed").Add(float64(result.Suppressed))
	s.jobOutcomesTotal.WithLabelValues("skipped").Add(float64(result.Skipped))
	s.jobOutcomesTotal.WithLabelValues("abandoned").Add(float64(result.Abandoned))
}

func (s *PrometheusSink) JobsDueUpdate(count int) {
	s.jobsDue.Set(float64(count))
}

func (s *PrometheusSink) PublishCompleted(outcome string, duration time.Duration) {
	s.publishDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Audit bus metrics implementation

func (s *PrometheusSink) AuditBufferSizeUpdate(size int) {
	s.auditBufferSize.Set(float64(size))
}

func (s *PrometheusSink) AuditEmitDropped() {
	s.auditDropsTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
