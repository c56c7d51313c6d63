// Package scheduler owns the job state machine.
//
// A job is created pending, is claimed by exactly one execution, and ends
// posted, failed or cancelled. Terminal states never change. The poll loop
// (Run) finds due jobs on a clock ticker and launches their executions;
// SubmitNow runs a job inline without ever exposing it to the loop.
package scheduler
