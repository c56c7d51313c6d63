package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crosspost/pkg/logx"
)

const namespace = "crosspost"

// Prometheus implements Sink with client_golang collectors. Registration
// failures are logged and the sink keeps working unregistered.
type Prometheus struct {
	log logx.Logger

	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	tickDuration    prometheus.Histogram
	dueJobsTotal    prometheus.Counter
	executions      *prometheus.CounterVec
	execLatency     prometheus.Histogram
	execInFlight    prometheus.Gauge

	publishAttempts *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	targetOutcomes  *prometheus.CounterVec
	retries         *prometheus.CounterVec
	rateLimitWait   *prometheus.HistogramVec
	circuitRejected *prometheus.CounterVec
	targetsInFlight prometheus.Gauge

	orphanedJobs prometheus.Gauge
	sweptTotal   prometheus.Counter
}

func NewPrometheus(reg prometheus.Registerer, log logx.Logger) *Prometheus {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Prometheus{log: log}
	s.initScheduler(reg)
	s.initDispatcher(reg)
	s.initMaintenance(reg)
	return s
}

func (s *Prometheus) initScheduler(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
		Help: "Poll loop ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_errors_total",
		Help: "Poll loop ticks that failed to list due jobs.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
		Help:    "Time spent listing and launching due jobs per tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.dueJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "due_jobs_total",
		Help: "Due jobs found by the poll loop.",
	})
	s.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "executions_total",
		Help: "Completed job executions by final status.",
	}, []string{"status"})
	s.execLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "execution_latency_seconds",
		Help:    "Delay between a job's scheduled time and the end of its execution.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	})
	s.execInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "executions_in_flight",
		Help: "Executions currently running.",
	})

	s.register(reg, s.ticksTotal, s.tickErrorsTotal, s.tickDuration, s.dueJobsTotal, s.executions, s.execLatency, s.execInFlight)
}

func (s *Prometheus) initDispatcher(reg prometheus.Registerer) {
	s.publishAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "publish_attempts_total",
		Help: "Adapter publish calls by target and outcome.",
	}, []string{"target", "outcome"})
	s.publishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "publish_duration_seconds",
		Help:    "Adapter publish latency (excludes backoff and rate-limit waits).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"target"})
	s.targetOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "target_outcomes_total",
		Help: "Final per-target results after retries.",
	}, []string{"target", "outcome"})
	s.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "retries_total",
		Help: "Retries scheduled after a failed publish.",
	}, []string{"target"})
	s.rateLimitWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "rate_limit_wait_seconds",
		Help:    "Time spent waiting for rate-limit admission.",
		Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"target"})
	s.circuitRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "circuit_rejected_total",
		Help: "Targets skipped because their circuit was open.",
	}, []string{"target"})
	s.targetsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "targets_in_flight",
		Help: "Per-target publishes currently running.",
	})

	s.register(reg, s.publishAttempts, s.publishDuration, s.targetOutcomes, s.retries, s.rateLimitWait, s.circuitRejected, s.targetsInFlight)
}

func (s *Prometheus) initMaintenance(reg prometheus.Registerer) {
	s.orphanedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "maintenance", Name: "orphaned_jobs",
		Help: "Claimed jobs that have not finished within the reclaim window.",
	})
	s.sweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "maintenance", Name: "swept_jobs_total",
		Help: "Terminal jobs deleted by retention sweeps.",
	})
	s.register(reg, s.orphanedJobs, s.sweptTotal)
}

func (s *Prometheus) register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		return
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			s.log.Warn("metrics: register failed", logx.Err(err))
		}
	}
}

func (s *Prometheus) TickCompleted(d time.Duration, due int, err error) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(d.Seconds())
	s.dueJobsTotal.Add(float64(due))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *Prometheus) ExecutionFinished(status string, latency time.Duration) {
	s.executions.WithLabelValues(status).Inc()
	if latency < 0 {
		latency = 0
	}
	s.execLatency.Observe(latency.Seconds())
}

func (s *Prometheus) ExecutionsInFlight(n int) { s.execInFlight.Set(float64(n)) }

func (s *Prometheus) PublishAttempt(target, outcome string, d time.Duration) {
	s.publishAttempts.WithLabelValues(target, outcome).Inc()
	s.publishDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (s *Prometheus) TargetOutcome(target string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	s.targetOutcomes.WithLabelValues(target, outcome).Inc()
}

func (s *Prometheus) RetryScheduled(target string) { s.retries.WithLabelValues(target).Inc() }

func (s *Prometheus) RateLimitWait(target string, d time.Duration) {
	s.rateLimitWait.WithLabelValues(target).Observe(d.Seconds())
}

func (s *Prometheus) CircuitRejected(target string) {
	s.circuitRejected.WithLabelValues(target).Inc()
}

func (s *Prometheus) TargetsInFlightIncr() { s.targetsInFlight.Inc() }
func (s *Prometheus) TargetsInFlightDecr() { s.targetsInFlight.Dec() }

func (s *Prometheus) OrphanedJobs(n int) { s.orphanedJobs.Set(float64(n)) }
func (s *Prometheus) JobsSwept(n int)    { s.sweptTotal.Add(float64(n)) }
