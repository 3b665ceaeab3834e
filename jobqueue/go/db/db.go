// Package db defines the storage interfaces used by the queue service.
// Implementations live in the memory and sqldb subpackages.
package db

import (
	"context"
	"errors"
	"io"
	"time"

	"go.moonmind.dev/infra/jobqueue/go/types"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record with given ID does not exist")

	// ErrAlreadyExists is returned on inserts violating a uniqueness
	// constraint, eg. a duplicate (jobId, name) artifact.
	ErrAlreadyExists = errors.New("record already exists and modification is not allowed")

	// ErrConcurrentUpdate is returned when a write lost a compare-and-swap
	// race; the caller should re-read and retry.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrNotLeaseHolder is returned when a worker acts on a job whose
	// lease it does not hold.
	ErrNotLeaseHolder = errors.New("worker does not hold the lease for this job")

	// ErrInvalidTransition is returned when a job update would move the
	// job through an illegal status transition.
	ErrInvalidTransition = errors.New("illegal job status transition")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsConcurrentUpdate(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

func IsNotLeaseHolder(err error) bool {
	return errors.Is(err, ErrNotLeaseHolder)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// JobSearchParams filter job listings. Zero values match everything.
type JobSearchParams struct {
	Status     types.JobStatus
	Type       types.JobType
	Repository string
	Limit      int
}

// ClaimParams describe a worker's claim attempt.
type ClaimParams struct {
	WorkerId            string
	Capabilities        []string
	AllowedTypes        []types.JobType
	AllowedRepositories []string
	LeaseTTL            time.Duration

	// PreferredAffinityKeys biases selection toward jobs whose
	// affinityKey this worker executed last. Advisory only.
	PreferredAffinityKeys []string
}

// JobDB stores Jobs and mediates the claim/lease lifecycle.
type JobDB interface {
	// PutJob inserts the Job. The Job's Id field must be empty; PutJob
	// assigns it and sets DbModified.
	PutJob(ctx context.Context, job *types.Job) error

	// UpdateJob updates an existing Job, verifying the legal state
	// machine transitions. Returns ErrConcurrentUpdate if the stored
	// DbModified differs from the given Job's.
	UpdateJob(ctx context.Context, job *types.Job) error

	// GetJobById returns the job with the given id, or ErrNotFound.
	GetJobById(ctx context.Context, id string) (*types.Job, error)

	// SearchJobs returns jobs matching the given params, newest first.
	SearchJobs(ctx context.Context, params *JobSearchParams) ([]*types.Job, error)

	// ClaimJob atomically selects and claims the best matching queued job
	// for the given worker: status queued, lease null or expired, required
	// capabilities a subset of the worker's, type and repository allowed.
	// Ordering: higher priority first, then earlier Created, then Id.
	// Returns nil, nil when no job matches.
	ClaimJob(ctx context.Context, params *ClaimParams) (*types.Job, error)

	// ExtendLease renews the lease on the given job for the holder.
	// Returns ErrNotLeaseHolder if the worker does not hold the lease.
	ExtendLease(ctx context.Context, jobId, workerId string, ttl time.Duration) error

	// ExpireLeases requeues jobs whose lease lapsed before the given time
	// (attemptCount < maxAttempts) and fails the rest. Returns the
	// affected jobs after modification.
	ExpireLeases(ctx context.Context) ([]*types.Job, error)

	// RunningCount returns the number of jobs in status running, plus the
	// number of those whose lease has lapsed (stale).
	RunningCount(ctx context.Context) (running int, stale int, err error)
}

// EventDB stores the append-only per-job event log.
type EventDB interface {
	// AppendEvent assigns (Created, Id) under the store's ordering lock
	// and persists the event. The input's Id and Created are ignored.
	AppendEvent(ctx context.Context, ev *types.Event) (*types.Event, error)

	// ListEvents returns up to limit events for the job, walking forward
	// from cursor.After or backward from cursor.Before. A zero cursor
	// walks forward from the beginning.
	ListEvents(ctx context.Context, jobId string, cursor types.EventCursor, limit int, descending bool) ([]*types.Event, error)
}

// ArtifactDB stores the artifact index. Blob bytes live in the artifact
// store, not here.
type ArtifactDB interface {
	// PutArtifact inserts the artifact record. Returns ErrAlreadyExists
	// if (JobId, Name) is taken.
	PutArtifact(ctx context.Context, a *types.Artifact) error

	// GetArtifact returns the artifact with the given id, or ErrNotFound.
	GetArtifact(ctx context.Context, jobId, artifactId string) (*types.Artifact, error)

	// ListArtifacts returns all artifacts for the job, ordered by Name.
	ListArtifacts(ctx context.Context, jobId string) ([]*types.Artifact, error)
}

// ProposalDB stores worker-generated follow-up proposals.
type ProposalDB interface {
	// PutProposal inserts the proposal, assigning its Id.
	PutProposal(ctx context.Context, p *types.Proposal) error

	// UpdateProposal updates an existing proposal. Returns
	// ErrConcurrentUpdate on a lost CAS race.
	UpdateProposal(ctx context.Context, p *types.Proposal) error

	// GetProposalById returns the proposal, or ErrNotFound.
	GetProposalById(ctx context.Context, id string) (*types.Proposal, error)

	// GetOpenProposalByDedup returns the non-terminal proposal with the
	// given (repository, dedupHash), or nil if none exists.
	GetOpenProposalByDedup(ctx context.Context, repository, dedupHash string) (*types.Proposal, error)

	// SearchProposals lists proposals matching the filters, newest first.
	SearchProposals(ctx context.Context, params *ProposalSearchParams) ([]*types.Proposal, error)
}

// ProposalSearchParams filter proposal listings.
type ProposalSearchParams struct {
	Status         types.ProposalStatus
	Repository     string
	Category       string
	IncludeSnoozed bool
	Limit          int
}

// PauseDB stores the worker-pause gate and its audit tail.
type PauseDB interface {
	// GetPauseState returns the current versioned pause record.
	GetPauseState(ctx context.Context) (*types.PauseState, error)

	// SetPauseState writes the record iff its Version equals the stored
	// version + 1; otherwise ErrConcurrentUpdate.
	SetPauseState(ctx context.Context, state *types.PauseState, audit *types.PauseAuditEntry) error

	// ListPauseAudit returns the most recent audit entries, newest first.
	ListPauseAudit(ctx context.Context, limit int) ([]*types.PauseAuditEntry, error)
}

// CheckpointDB stores manifest ingest checkpoints.
type CheckpointDB interface {
	// GetCheckpoint returns the checkpoint for (manifestName,
	// dataSourceId), or nil if none exists.
	GetCheckpoint(ctx context.Context, manifestName, dataSourceId string) (*types.Checkpoint, error)

	// PutCheckpoint inserts or replaces the checkpoint.
	PutCheckpoint(ctx context.Context, c *types.Checkpoint) error
}

// SkillRegistryDB stores skill registry entries.
type SkillRegistryDB interface {
	// GetSkillEntry returns the entry for (skillName, version), or
	// ErrNotFound.
	GetSkillEntry(ctx context.Context, skillName, version string) (*types.SkillRegistryEntry, error)

	// PutSkillEntry inserts or replaces the entry.
	PutSkillEntry(ctx context.Context, e *types.SkillRegistryEntry) error

	// ListSkillEntries returns all entries, ordered by (SkillName,
	// Version).
	ListSkillEntries(ctx context.Context) ([]*types.SkillRegistryEntry, error)
}

// ManifestDB stores named manifest YAML documents for registry sources.
type ManifestDB interface {
	// GetManifest returns the stored YAML and its content hash, or
	// ErrNotFound.
	GetManifest(ctx context.Context, name string) (yaml string, contentHash string, err error)

	// PutManifest upserts the YAML under the given name and returns its
	// content hash.
	PutManifest(ctx context.Context, name, yaml string) (contentHash string, err error)
}

// DB aggregates all of the store interfaces.
type DB interface {
	JobDB
	EventDB
	ArtifactDB
	ProposalDB
	PauseDB
	CheckpointDB
	SkillRegistryDB
	ManifestDB
}

// DBCloser is a DB that must be closed when no longer in use.
type DBCloser interface {
	io.Closer
	DB
}
