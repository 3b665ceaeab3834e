// Package queue implements the queue service core: job submission, claims,
// leases, cancellation, the event log, the artifact index, and telemetry.
package queue

import (
	"context"
	"io"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.moonmind.dev/infra/go/metrics2"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/artifacts"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/pause"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	// DefaultLeaseTTL is the time a claim holds a job before it is
	// requeued, absent heartbeats.
	DefaultLeaseTTL = 5 * time.Minute

	// DefaultMaxAttempts is applied to submissions which do not specify
	// maxAttempts.
	DefaultMaxAttempts = 2

	// Lease sweep cadence.
	sweepInterval = 10 * time.Second

	// Affinity preferences are advisory and short-lived.
	affinityTTL = time.Hour

	// updateRetries bounds optimistic-concurrency retries on job updates.
	updateRetries = 5
)

// EventListener observes every event appended to the log, in append order.
// Used by the streaming surface to tail jobs.
type EventListener func(ev *types.Event)

// Queue is the queue service core.
type Queue struct {
	db        db.DB
	artifacts artifacts.Store
	gate      *pause.Gate
	leaseTTL  time.Duration

	// affinity remembers which worker last executed each affinityKey.
	affinity *gocache.Cache

	listenersMtx sync.RWMutex
	listeners    []EventListener

	claimCounter  metrics2.Counter
	submitCounter metrics2.Counter
	eventCounter  metrics2.Counter
}

// New returns a Queue backed by the given store and artifact store.
func New(d db.DB, store artifacts.Store, gate *pause.Gate, leaseTTL time.Duration) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Queue{
		db:            d,
		artifacts:     store,
		gate:          gate,
		leaseTTL:      leaseTTL,
		affinity:      gocache.New(affinityTTL, affinityTTL),
		claimCounter:  metrics2.GetCounter("queue_claims", nil),
		submitCounter: metrics2.GetCounter("queue_submissions", nil),
		eventCounter:  metrics2.GetCounter("queue_events_appended", nil),
	}
}

// LeaseTTL returns the configured lease duration.
func (q *Queue) LeaseTTL() time.Duration {
	return q.leaseTTL
}

// DB exposes the underlying store to sibling packages (proposals, server).
func (q *Queue) DB() db.DB {
	return q.db
}

// AddEventListener registers a listener for all appended events.
func (q *Queue) AddEventListener(l EventListener) {
	q.listenersMtx.Lock()
	defer q.listenersMtx.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *Queue) notify(ev *types.Event) {
	q.listenersMtx.RLock()
	defer q.listenersMtx.RUnlock()
	for _, l := range q.listeners {
		l(ev)
	}
}

// SubmitJob validates the submission, derives required capabilities when not
// supplied, stores the job, and emits the submitted stage event.
func (q *Queue) SubmitJob(ctx context.Context, req *types.SubmitJobRequest) (*types.Job, error) {
	job := &types.Job{
		Type:                 req.Type,
		QueueName:            req.QueueName,
		Priority:             req.Priority,
		MaxAttempts:          req.MaxAttempts,
		AffinityKey:          req.AffinityKey,
		RequiredCapabilities: util.SSliceDedup(req.RequiredCapabilities),
		Status:               types.JobStatusQueued,
		Created:              now.Now(ctx),
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	switch req.Type {
	case types.JobTypeTask:
		p, err := types.DecodeTaskPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		job.TaskPayload = p
		job.Repository = p.Repository
		job.TargetRuntime = p.Task.Runtime.Mode
		if len(job.RequiredCapabilities) == 0 {
			job.RequiredCapabilities = p.DeriveRequiredCapabilities()
		}
	case types.JobTypeManifest:
		p, err := types.DecodeManifestPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		job.ManifestPayload = p
		if len(job.RequiredCapabilities) == 0 {
			job.RequiredCapabilities = p.DeriveRequiredCapabilities()
		}
	default:
		return nil, types.KindErrorf(types.ErrorKindValidation, "unknown job type %q", req.Type)
	}
	if err := q.db.PutJob(ctx, job); err != nil {
		return nil, skerr.Wrap(err)
	}
	q.submitCounter.Inc(1)
	q.appendStageEvent(ctx, job.Id, types.StageSubmitted, "", "job submitted")
	return job, nil
}

// ClaimJob selects and claims the best matching queued job for the worker.
// Returns nil, nil when nothing is claimable or the fleet is paused.
func (q *Queue) ClaimJob(ctx context.Context, req *types.ClaimRequest) (*types.Job, error) {
	if req.WorkerId == "" {
		return nil, types.KindErrorf(types.ErrorKindValidation, "workerId is required")
	}
	paused, err := q.gate.Paused(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if paused {
		return nil, nil
	}
	ttl := q.leaseTTL
	if req.LeaseTTLSeconds > 0 {
		ttl = time.Duration(req.LeaseTTLSeconds) * time.Second
	}
	job, err := q.db.ClaimJob(ctx, &db.ClaimParams{
		WorkerId:              req.WorkerId,
		Capabilities:          req.Capabilities,
		AllowedTypes:          req.AllowedTypes,
		AllowedRepositories:   req.AllowedRepositories,
		LeaseTTL:              ttl,
		PreferredAffinityKeys: q.affinityKeysFor(req.WorkerId),
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if job == nil {
		return nil, nil
	}
	if job.AffinityKey != "" {
		q.affinity.Set(job.AffinityKey, req.WorkerId, gocache.DefaultExpiration)
	}
	q.claimCounter.Inc(1)
	q.appendStageEvent(ctx, job.Id, types.StageClaimed, "", "claimed by worker "+req.WorkerId)
	return job, nil
}

func (q *Queue) affinityKeysFor(workerId string) []string {
	rv := []string{}
	for key, item := range q.affinity.Items() {
		if w, ok := item.Object.(string); ok && w == workerId {
			rv = append(rv, key)
		}
	}
	return rv
}

// Heartbeat extends the lease for the holding worker.
func (q *Queue) Heartbeat(ctx context.Context, jobId, workerId string) error {
	if err := q.db.ExtendLease(ctx, jobId, workerId, q.leaseTTL); err != nil {
		if db.IsNotLeaseHolder(err) {
			return types.NewKindError(types.ErrorKindConflict, err)
		}
		return skerr.Wrap(err)
	}
	return nil
}

// ReportTerminal records the worker-reported final state of a job. The call
// is holder-only and idempotent: re-reporting the same terminal state
// succeeds silently, while a conflicting report is rejected.
func (q *Queue) ReportTerminal(ctx context.Context, jobId, workerId string, outcome types.TerminalOutcome, lastError string) (*types.Job, error) {
	status, ok := outcome.Status()
	if !ok {
		return nil, types.KindErrorf(types.ErrorKindValidation, "unknown terminal outcome %q", outcome)
	}
	job, err := q.updateJobWithRetries(ctx, jobId, func(j *types.Job) error {
		if j.Done() {
			if j.Status == status {
				// Idempotent re-report.
				return nil
			}
			return types.KindErrorf(types.ErrorKindConflict, "job %s is already %s", jobId, j.Status)
		}
		if j.LeaseOwner != workerId {
			return types.NewKindError(types.ErrorKindConflict, db.ErrNotLeaseHolder)
		}
		j.Status = status
		j.Finished = now.Now(ctx)
		j.LeaseOwner = ""
		j.LeaseExpires = time.Time{}
		if lastError != "" {
			j.LastError = lastError
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RequestCancel marks cancellation intent on the job. The worker observes
// and honors it at the next safe boundary; queued jobs are cancelled by the
// sweeper before any worker claims them.
func (q *Queue) RequestCancel(ctx context.Context, jobId, reason string) (*types.Job, error) {
	job, err := q.updateJobWithRetries(ctx, jobId, func(j *types.Job) error {
		if j.Done() {
			return types.KindErrorf(types.ErrorKindConflict, "job %s is already %s", jobId, j.Status)
		}
		if util.TimeIsZero(j.CancelRequested) {
			j.CancelRequested = now.Now(ctx)
			j.CancelReason = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.appendStageEvent(ctx, jobId, "cancel_requested", "", "cancel requested: "+reason)
	return job, nil
}

// AppendEvent appends to the job's ordered event log and notifies stream
// subscribers.
func (q *Queue) AppendEvent(ctx context.Context, jobId string, level types.EventLevel, message string, payload types.EventPayload) (*types.Event, error) {
	if _, err := q.db.GetJobById(ctx, jobId); err != nil {
		if db.IsNotFound(err) {
			return nil, types.KindErrorf(types.ErrorKindValidation, "no such job %q", jobId)
		}
		return nil, skerr.Wrap(err)
	}
	ev, err := q.db.AppendEvent(ctx, &types.Event{
		JobId:   jobId,
		Level:   level,
		Message: message,
		Payload: payload,
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	q.eventCounter.Inc(1)
	q.notify(ev)
	return ev, nil
}

// AppendEvents appends a batch in order. Used by the worker's log batcher.
func (q *Queue) AppendEvents(ctx context.Context, jobId string, events []*types.Event) ([]*types.Event, error) {
	rv := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		stored, err := q.AppendEvent(ctx, jobId, ev.Level, ev.Message, ev.Payload)
		if err != nil {
			return rv, err
		}
		rv = append(rv, stored)
	}
	return rv, nil
}

func (q *Queue) appendStageEvent(ctx context.Context, jobId, stage, status, message string) {
	payload := types.EventPayload{
		Kind:   types.EventKindStage,
		Stage:  stage,
		Status: status,
	}
	if _, err := q.AppendEvent(ctx, jobId, types.EventLevelInfo, message, payload); err != nil {
		sklog.Errorf("Failed to append %s event for job %s: %s", stage, jobId, err)
	}
}

// ListEvents returns a page of the job's event log.
func (q *Queue) ListEvents(ctx context.Context, jobId string, cursor types.EventCursor, limit int, descending bool) ([]*types.Event, error) {
	return q.db.ListEvents(ctx, jobId, cursor, limit, descending)
}

// GetJob returns the job with the given id.
func (q *Queue) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return q.db.GetJobById(ctx, id)
}

// SearchJobs lists jobs matching the params.
func (q *Queue) SearchJobs(ctx context.Context, params *db.JobSearchParams) ([]*types.Job, error) {
	return q.db.SearchJobs(ctx, params)
}

// PutArtifact stores the blob and its index record. (jobId, name) is
// write-once; duplicates return a conflict error.
func (q *Queue) PutArtifact(ctx context.Context, jobId, name, contentType string, r io.Reader) (*types.Artifact, error) {
	if _, err := q.db.GetJobById(ctx, jobId); err != nil {
		if db.IsNotFound(err) {
			return nil, types.KindErrorf(types.ErrorKindValidation, "no such job %q", jobId)
		}
		return nil, skerr.Wrap(err)
	}
	// The blob store refuses overwrites, so a duplicate upload fails here
	// before any index write.
	ref, size, err := q.artifacts.Put(ctx, jobId, name, r)
	if err != nil {
		return nil, types.NewKindError(types.ErrorKindConflict, err)
	}
	a := &types.Artifact{
		JobId:       jobId,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   size,
		StorageRef:  ref,
		Created:     now.Now(ctx),
	}
	if err := q.db.PutArtifact(ctx, a); err != nil {
		if db.IsAlreadyExists(err) {
			return nil, types.NewKindError(types.ErrorKindConflict, err)
		}
		return nil, skerr.Wrap(err)
	}
	return a, nil
}

// ListArtifacts returns the job's artifact index records.
func (q *Queue) ListArtifacts(ctx context.Context, jobId string) ([]*types.Artifact, error) {
	return q.db.ListArtifacts(ctx, jobId)
}

// OpenArtifact returns the artifact record and a reader over its bytes.
func (q *Queue) OpenArtifact(ctx context.Context, jobId, artifactId string) (*types.Artifact, io.ReadCloser, error) {
	a, err := q.db.GetArtifact(ctx, jobId, artifactId)
	if err != nil {
		return nil, nil, err
	}
	r, err := q.artifacts.Get(ctx, a.StorageRef)
	if err != nil {
		return nil, nil, err
	}
	return a, r, nil
}

// updateJobWithRetries reads, mutates via f, and writes a job, retrying on
// concurrent-update races.
func (q *Queue) updateJobWithRetries(ctx context.Context, id string, f func(*types.Job) error) (*types.Job, error) {
	var lastErr error
	for i := 0; i < updateRetries; i++ {
		j, err := q.db.GetJobById(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := f(j); err != nil {
			return nil, err
		}
		lastErr = q.db.UpdateJob(ctx, j)
		if lastErr == nil {
			return j, nil
		}
		if db.IsInvalidTransition(lastErr) {
			return nil, types.NewKindError(types.ErrorKindConflict, lastErr)
		}
		if !db.IsConcurrentUpdate(lastErr) {
			return nil, lastErr
		}
	}
	sklog.Warningf("updateJobWithRetries: %d consecutive concurrent updates for job %s.", updateRetries, id)
	return nil, lastErr
}

// Start launches the background lease sweeper. It runs until the context is
// cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				q.sweep(ctx)
			}
		}
	}()
}

// sweep requeues or fails jobs with lapsed leases, propagates a quiesce
// pause to running jobs, and cancels queued jobs with pending cancel
// requests.
func (q *Queue) sweep(ctx context.Context) {
	q.sweepQuiesce(ctx)
	expired, err := q.db.ExpireLeases(ctx)
	if err != nil {
		sklog.Errorf("Lease sweep failed: %s", err)
		return
	}
	for _, j := range expired {
		if j.Status == types.JobStatusQueued {
			q.appendStageEvent(ctx, j.Id, types.StageRequeued, "", "lease expired; requeued")
		} else {
			q.appendStageEvent(ctx, j.Id, types.StageRequeued, types.StageStatusFailed, "lease expired; attempts exhausted")
		}
	}
	queued, err := q.db.SearchJobs(ctx, &db.JobSearchParams{Status: types.JobStatusQueued})
	if err != nil {
		sklog.Errorf("Cancel sweep failed: %s", err)
		return
	}
	for _, j := range queued {
		if !j.CancelPending() {
			continue
		}
		if _, err := q.updateJobWithRetries(ctx, j.Id, func(job *types.Job) error {
			if job.Status != types.JobStatusQueued || job.Done() {
				return nil
			}
			job.Status = types.JobStatusCancelled
			job.Finished = now.Now(ctx)
			return nil
		}); err != nil {
			sklog.Errorf("Failed to cancel queued job %s: %s", j.Id, err)
		}
	}
}

// sweepQuiesce requests cancellation of every running job while the fleet is
// paused in quiesce mode. Workers observe the request and stop at their next
// safe boundary.
func (q *Queue) sweepQuiesce(ctx context.Context) {
	pending, err := q.gate.QuiescePending(ctx)
	if err != nil {
		sklog.Errorf("Quiesce sweep failed: %s", err)
		return
	}
	if !pending {
		return
	}
	running, err := q.db.SearchJobs(ctx, &db.JobSearchParams{Status: types.JobStatusRunning})
	if err != nil {
		sklog.Errorf("Quiesce sweep failed: %s", err)
		return
	}
	for _, j := range running {
		if j.CancelPending() {
			continue
		}
		if _, err := q.RequestCancel(ctx, j.Id, "workers paused for quiesce"); err != nil {
			sklog.Errorf("Failed to request cancel of running job %s: %s", j.Id, err)
		}
	}
}
