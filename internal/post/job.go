// Package post holds the job record shared by the scheduler, dispatcher and
// stores.
package post

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Content is the payload published to every target. It is not modified after
// the job is created.
type Content struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Links     []string `json:"links,omitempty"`
	Hashtags  []string `json:"hashtags,omitempty"`
}

// Empty reports whether the content carries nothing to publish.
func (c Content) Empty() bool {
	return c.Text == "" && len(c.MediaURLs) == 0 && len(c.Links) == 0
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	c.MediaURLs = cloneStrings(c.MediaURLs)
	c.Links = cloneStrings(c.Links)
	c.Hashtags = cloneStrings(c.Hashtags)
	return c
}

// TargetResult is the outcome of publishing to one target.
type TargetResult struct {
	Target      string    `json:"target"`
	Success     bool      `json:"success"`
	ExternalID  string    `json:"external_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

// Job is one logical post fanned out to several targets.
//
// Results is nil until the job reaches posted or failed; after that it holds
// exactly one entry per target in Targets order. ClaimedAt is set when an
// execution takes ownership; a claimed job still reads as pending.
type Job struct {
	ID          string         `json:"id"`
	Content     Content        `json:"content"`
	Targets     []string       `json:"targets"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      Status         `json:"status"`
	Results     []TargetResult `json:"results,omitempty"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// New builds a pending job after validating its inputs.
func New(content Content, targets []string, scheduledAt, now time.Time) (Job, error) {
	if err := Validate(content, targets); err != nil {
		return Job{}, err
	}
	return Job{
		ID:          uuid.NewString(),
		Content:     content.Clone(),
		Targets:     cloneStrings(targets),
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Claimed reports whether an execution owns the job.
func (j Job) Claimed() bool { return j.ClaimedAt != nil }

// Due reports whether the poll loop should pick the job at now.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && j.ClaimedAt == nil && !j.ScheduledAt.After(now)
}

// Clone returns a deep copy so callers never alias store state.
func (j Job) Clone() Job {
	j.Content = j.Content.Clone()
	j.Targets = cloneStrings(j.Targets)
	if j.Results != nil {
		j.Results = append([]TargetResult(nil), j.Results...)
	}
	if j.ClaimedAt != nil {
		at := *j.ClaimedAt
		j.ClaimedAt = &at
	}
	return j
}

// AllSucceeded reports whether every result is a success. It is false for an
// empty result set.
func AllSucceeded(results []TargetResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// Complete applies the final outcome of an execution: posted iff every target
// succeeded. A nil results slice records an infrastructure failure.
func (j *Job) Complete(results []TargetResult, now time.Time) {
	if results != nil && AllSucceeded(results) {
		j.Status = StatusPosted
	} else {
		j.Status = StatusFailed
	}
	j.Results = results
	j.UpdatedAt = now
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
