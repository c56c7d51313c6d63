package metrics

import "time"

// Noop discards everything. It is used when metrics are disabled so callers
// never nil-check.
type Noop struct{}

func (Noop) TickCompleted(time.Duration, int, error)         {}
func (Noop) ExecutionFinished(string, time.Duration)         {}
func (Noop) ExecutionsInFlight(int)                          {}
func (Noop) PublishAttempt(string, string, time.Duration)    {}
func (Noop) TargetOutcome(string, bool)                      {}
func (Noop) RetryScheduled(string)                           {}
func (Noop) RateLimitWait(string, time.Duration)             {}
func (Noop) CircuitRejected(string)                          {}
func (Noop) TargetsInFlightIncr()                            {}
func (Noop) TargetsInFlightDecr()                            {}
func (Noop) OrphanedJobs(int)                                {}
func (Noop) JobsSwept(int)                                   {}
