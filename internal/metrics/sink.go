// Package metrics records scheduler, dispatcher and maintenance
// measurements. Every method is fire-and-forget.
package metrics

import "time"

// Sink is the union of the metric hooks used across crosspost.
type Sink interface {
	// Scheduler
	TickCompleted(d time.Duration, due int, err error)
	ExecutionFinished(status string, latency time.Duration)
	ExecutionsInFlight(n int)

	// Dispatcher
	PublishAttempt(target, outcome string, d time.Duration)
	TargetOutcome(target string, success bool)
	RetryScheduled(target string)
	RateLimitWait(target string, d time.Duration)
	CircuitRejected(target string)
	TargetsInFlightIncr()
	TargetsInFlightDecr()

	// Maintenance
	OrphanedJobs(n int)
	JobsSwept(n int)
}
