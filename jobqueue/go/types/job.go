package types

import (
	"time"

	"go.moonmind.dev/infra/go/util"
)

// JobType distinguishes the payload carried by a Job.
type JobType string

const (
	// JobTypeTask is a repository-scoped agent task.
	JobTypeTask JobType = "task"

	// JobTypeManifest is a declarative ingestion manifest run.
	JobTypeManifest JobType = "manifest"
)

// ValidJobTypes lists all known job types.
var ValidJobTypes = []JobType{JobTypeTask, JobTypeManifest}

// JobStatus represents the current status of a Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ValidJobStatuses lists all legal job statuses.
var ValidJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusSucceeded,
	JobStatusFailed,
	JobStatusCancelled,
}

// Done returns true if the status is terminal.
func (s JobStatus) Done() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// legalTransitions enumerates the job state machine:
// queued -> running -> (succeeded|failed|cancelled), plus running -> queued
// on lease expiry and queued -> (failed|cancelled) for terminal-on-first
// errors and pre-claim cancellation.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusQueued, JobStatusSucceeded, JobStatusFailed, JobStatusCancelled},
}

// TransitionLegal returns true if a job may move from one status to another.
// Terminal statuses are immutable; idempotent re-reporting of the same
// terminal state is legal.
func TransitionLegal(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a typed, durable unit of work in the queue.
//
// Invariants:
//   - A job in JobStatusRunning has a non-zero LeaseExpires and LeaseOwner.
//   - Started <= Finished when both are set.
//   - A terminal status is immutable except for idempotent re-reporting.
//   - AttemptCount never exceeds MaxAttempts.
type Job struct {
	// Id is an opaque unique identifier, assigned by the store.
	Id string `json:"id"`

	// Type determines which payload field is set.
	Type JobType `json:"type"`

	// QueueName is a routing label.
	QueueName string `json:"queueName,omitempty"`

	// Repository is set for task jobs ("owner/repo" or a clone URL).
	Repository string `json:"repository,omitempty"`

	// TaskPayload is set iff Type == JobTypeTask.
	TaskPayload *TaskPayload `json:"taskPayload,omitempty"`

	// ManifestPayload is set iff Type == JobTypeManifest.
	ManifestPayload *ManifestPayload `json:"manifestPayload,omitempty"`

	// RequiredCapabilities is the unordered set of capability tokens a
	// worker must advertise to claim this job.
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`

	// TargetRuntime is an optional capability hint.
	TargetRuntime string `json:"targetRuntime,omitempty"`

	// AffinityKey is an advisory sticky-assignment key.
	AffinityKey string `json:"affinityKey,omitempty"`

	// Priority orders claims; higher first.
	Priority int `json:"priority"`

	// MaxAttempts bounds retries; always >= 1.
	MaxAttempts int `json:"maxAttempts"`

	// AttemptCount is incremented on each claim.
	AttemptCount int `json:"attemptCount"`

	Status JobStatus `json:"status"`

	Created  time.Time `json:"createdAt"`
	Started  time.Time `json:"startedAt,omitempty"`
	Finished time.Time `json:"finishedAt,omitempty"`

	// LeaseOwner is the id of the worker currently holding the lease, if
	// any.
	LeaseOwner string `json:"leaseOwner,omitempty"`

	// LeaseExpires is the time at which the current lease lapses.
	LeaseExpires time.Time `json:"leaseExpiresAt,omitempty"`

	CancelRequested time.Time `json:"cancelRequestedAt,omitempty"`
	CancelReason    string    `json:"cancelReason,omitempty"`

	// LastError holds the most recent failure message.
	LastError string `json:"lastError,omitempty"`

	// DbModified is the time of the last successful store write for this
	// Job.
	DbModified time.Time `json:"dbModified,omitempty"`
}

// Done returns true if the job is in a terminal status.
func (j *Job) Done() bool {
	return j.Status.Done()
}

// LeaseValid returns true if the job holds an unexpired lease as of the
// given time.
func (j *Job) LeaseValid(now time.Time) bool {
	return j.LeaseOwner != "" && now.Before(j.LeaseExpires)
}

// CancelPending returns true if a cancel has been requested and the job is
// not yet terminal.
func (j *Job) CancelPending() bool {
	return !util.TimeIsZero(j.CancelRequested) && !j.Done()
}

// Copy returns a deep copy of the Job.
func (j *Job) Copy() *Job {
	rv := new(Job)
	*rv = *j
	rv.RequiredCapabilities = util.CopyStringSlice(j.RequiredCapabilities)
	if j.TaskPayload != nil {
		rv.TaskPayload = j.TaskPayload.Copy()
	}
	if j.ManifestPayload != nil {
		rv.ManifestPayload = j.ManifestPayload.Copy()
	}
	return rv
}

// JobSlice implements sort.Interface, ordering by Created then Id.
type JobSlice []*Job

func (s JobSlice) Len() int { return len(s) }

func (s JobSlice) Less(a, b int) bool {
	if s[a].Created.Equal(s[b].Created) {
		return s[a].Id < s[b].Id
	}
	return s[a].Created.Before(s[b].Created)
}

func (s JobSlice) Swap(a, b int) { s[a], s[b] = s[b], s[a] }
