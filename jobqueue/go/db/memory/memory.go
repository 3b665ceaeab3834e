// Package memory provides an in-memory implementation of db.DB, used by
// tests and local development. All methods copy on read and write; callers
// never share pointers with the store.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// InMemoryDB implements db.DB.
type InMemoryDB struct {
	mtx sync.RWMutex

	jobs      map[string]*types.Job
	events    map[string][]*types.Event
	nextEvent map[string]int64
	lastEvent map[string]time.Time
	artifacts map[string]map[string]*types.Artifact // jobId -> name -> artifact
	proposals map[string]*types.Proposal
	pause     *types.PauseState
	audit     []*types.PauseAuditEntry
	ckpts     map[string]*types.Checkpoint // manifestName|dataSourceId
	skills    map[string]*types.SkillRegistryEntry
	manifests map[string]string
}

// New returns an empty InMemoryDB.
func New() *InMemoryDB {
	return &InMemoryDB{
		jobs:      map[string]*types.Job{},
		events:    map[string][]*types.Event{},
		nextEvent: map[string]int64{},
		lastEvent: map[string]time.Time{},
		artifacts: map[string]map[string]*types.Artifact{},
		proposals: map[string]*types.Proposal{},
		pause:     &types.PauseState{},
		ckpts:     map[string]*types.Checkpoint{},
		skills:    map[string]*types.SkillRegistryEntry{},
		manifests: map[string]string{},
	}
}

// Close implements db.DBCloser.
func (d *InMemoryDB) Close() error {
	return nil
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) PutJob(ctx context.Context, job *types.Job) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if job.Id != "" {
		return db.ErrAlreadyExists
	}
	job.Id = uuid.New().String()
	job.DbModified = now.Now(ctx)
	d.jobs[job.Id] = job.Copy()
	return nil
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) UpdateJob(ctx context.Context, job *types.Job) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.updateJobLocked(ctx, job)
}

func (d *InMemoryDB) updateJobLocked(ctx context.Context, job *types.Job) error {
	old, ok := d.jobs[job.Id]
	if !ok {
		return db.ErrNotFound
	}
	if !old.DbModified.Equal(job.DbModified) {
		return db.ErrConcurrentUpdate
	}
	if !types.TransitionLegal(old.Status, job.Status) {
		return db.ErrInvalidTransition
	}
	job.DbModified = monotonicAfter(now.Now(ctx), old.DbModified)
	d.jobs[job.Id] = job.Copy()
	return nil
}

// monotonicAfter returns t, pushed forward if needed so that it is strictly
// after prev. Keeps DbModified usable as a CAS token even with a frozen test
// clock.
func monotonicAfter(t, prev time.Time) time.Time {
	if !t.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return t
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) GetJobById(ctx context.Context, id string) (*types.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if job, ok := d.jobs[id]; ok {
		return job.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) SearchJobs(ctx context.Context, params *db.JobSearchParams) ([]*types.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.Job{}
	for _, j := range d.jobs {
		if params.Status != "" && j.Status != params.Status {
			continue
		}
		if params.Type != "" && j.Type != params.Type {
			continue
		}
		if params.Repository != "" && j.Repository != params.Repository {
			continue
		}
		rv = append(rv, j.Copy())
	}
	sort.Sort(sort.Reverse(types.JobSlice(rv)))
	if params.Limit > 0 && len(rv) > params.Limit {
		rv = rv[:params.Limit]
	}
	return rv, nil
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) ClaimJob(ctx context.Context, params *db.ClaimParams) (*types.Job, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ts := now.Now(ctx)
	advertised := util.NewStringSet(params.Capabilities)
	preferred := util.NewStringSet(params.PreferredAffinityKeys)

	var best *types.Job
	bestPreferred := false
	for _, j := range d.jobs {
		if !claimable(j, params, advertised, ts) {
			continue
		}
		jPreferred := j.AffinityKey != "" && preferred[j.AffinityKey]
		if best == nil || claimLess(j, jPreferred, best, bestPreferred) {
			best = j
			bestPreferred = jPreferred
		}
	}
	if best == nil {
		return nil, nil
	}
	claimed := best.Copy()
	claimed.Status = types.JobStatusRunning
	claimed.LeaseOwner = params.WorkerId
	claimed.LeaseExpires = ts.Add(params.LeaseTTL)
	claimed.AttemptCount++
	if util.TimeIsZero(claimed.Started) {
		claimed.Started = ts
	}
	claimed.DbModified = monotonicAfter(ts, best.DbModified)
	d.jobs[claimed.Id] = claimed.Copy()
	return claimed, nil
}

func claimable(j *types.Job, params *db.ClaimParams, advertised util.StringSet, ts time.Time) bool {
	if j.Status != types.JobStatusQueued {
		return false
	}
	if j.LeaseValid(ts) {
		return false
	}
	if j.AttemptCount >= j.MaxAttempts {
		return false
	}
	if len(params.AllowedTypes) > 0 {
		found := false
		for _, t := range params.AllowedTypes {
			if t == j.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(params.AllowedRepositories) > 0 && j.Repository != "" {
		if !util.In(j.Repository, params.AllowedRepositories) {
			return false
		}
	}
	if !util.NewStringSet(j.RequiredCapabilities).IsSubset(advertised) {
		return false
	}
	return true
}

// claimLess returns true if candidate a should be claimed ahead of b.
// Affinity preference wins, then priority (higher first), then Created
// (earlier first), then Id.
func claimLess(a *types.Job, aPreferred bool, b *types.Job, bPreferred bool) bool {
	if aPreferred != bPreferred {
		return aPreferred
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Id < b.Id
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) ExtendLease(ctx context.Context, jobId, workerId string, ttl time.Duration) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	j, ok := d.jobs[jobId]
	if !ok {
		return db.ErrNotFound
	}
	if j.LeaseOwner != workerId {
		return db.ErrNotLeaseHolder
	}
	if j.Status != types.JobStatusRunning {
		return db.ErrNotLeaseHolder
	}
	ts := now.Now(ctx)
	j.LeaseExpires = ts.Add(ttl)
	j.DbModified = monotonicAfter(ts, j.DbModified)
	return nil
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) ExpireLeases(ctx context.Context) ([]*types.Job, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ts := now.Now(ctx)
	rv := []*types.Job{}
	for _, j := range d.jobs {
		if j.Status != types.JobStatusRunning || j.LeaseValid(ts) {
			continue
		}
		if j.AttemptCount < j.MaxAttempts {
			j.Status = types.JobStatusQueued
		} else {
			j.Status = types.JobStatusFailed
			j.LastError = "lease expired: worker stopped heartbeating"
			j.Finished = ts
		}
		j.LeaseOwner = ""
		j.LeaseExpires = time.Time{}
		j.DbModified = monotonicAfter(ts, j.DbModified)
		rv = append(rv, j.Copy())
	}
	sort.Sort(types.JobSlice(rv))
	return rv, nil
}

// See docs for db.JobDB interface.
func (d *InMemoryDB) RunningCount(ctx context.Context) (int, int, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	ts := now.Now(ctx)
	running := 0
	stale := 0
	for _, j := range d.jobs {
		if j.Status == types.JobStatusRunning {
			running++
			if !j.LeaseValid(ts) {
				stale++
			}
		}
	}
	return running, stale, nil
}

// See docs for db.EventDB interface.
func (d *InMemoryDB) AppendEvent(ctx context.Context, ev *types.Event) (*types.Event, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if ev.JobId == "" {
		return nil, db.ErrNotFound
	}
	stored := ev.Copy()
	// Server-assigned (Created, Id), strictly increasing per job.
	stored.Id = d.nextEvent[ev.JobId] + 1
	d.nextEvent[ev.JobId] = stored.Id
	ts := now.Now(ctx)
	if last, ok := d.lastEvent[ev.JobId]; ok && !ts.After(last) {
		ts = last
	}
	d.lastEvent[ev.JobId] = ts
	stored.Created = ts
	d.events[ev.JobId] = append(d.events[ev.JobId], stored)
	return stored.Copy(), nil
}

// See docs for db.EventDB interface.
func (d *InMemoryDB) ListEvents(ctx context.Context, jobId string, cursor types.EventCursor, limit int, descending bool) ([]*types.Event, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	all := d.events[jobId]
	rv := []*types.Event{}
	if descending {
		for i := len(all) - 1; i >= 0; i-- {
			ev := all[i]
			if cursor.BeforeEventId > 0 || !util.TimeIsZero(cursor.Before) {
				bound := &types.Event{Created: cursor.Before, Id: cursor.BeforeEventId}
				if !ev.Before(bound) {
					continue
				}
			}
			rv = append(rv, ev.Copy())
			if limit > 0 && len(rv) >= limit {
				break
			}
		}
	} else {
		for _, ev := range all {
			if cursor.AfterEventId > 0 || !util.TimeIsZero(cursor.After) {
				bound := &types.Event{Created: cursor.After, Id: cursor.AfterEventId}
				if !bound.Before(ev) {
					continue
				}
			}
			rv = append(rv, ev.Copy())
			if limit > 0 && len(rv) >= limit {
				break
			}
		}
	}
	return rv, nil
}

// See docs for db.ArtifactDB interface.
func (d *InMemoryDB) PutArtifact(ctx context.Context, a *types.Artifact) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	byName, ok := d.artifacts[a.JobId]
	if !ok {
		byName = map[string]*types.Artifact{}
		d.artifacts[a.JobId] = byName
	}
	if _, ok := byName[a.Name]; ok {
		return db.ErrAlreadyExists
	}
	if a.Id == "" {
		a.Id = uuid.New().String()
	}
	if util.TimeIsZero(a.Created) {
		a.Created = now.Now(ctx)
	}
	byName[a.Name] = a.Copy()
	return nil
}

// See docs for db.ArtifactDB interface.
func (d *InMemoryDB) GetArtifact(ctx context.Context, jobId, artifactId string) (*types.Artifact, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	for _, a := range d.artifacts[jobId] {
		if a.Id == artifactId {
			return a.Copy(), nil
		}
	}
	return nil, db.ErrNotFound
}

// See docs for db.ArtifactDB interface.
func (d *InMemoryDB) ListArtifacts(ctx context.Context, jobId string) ([]*types.Artifact, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := make([]*types.Artifact, 0, len(d.artifacts[jobId]))
	for _, a := range d.artifacts[jobId] {
		rv = append(rv, a.Copy())
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Name < rv[j].Name })
	return rv, nil
}

// See docs for db.ProposalDB interface.
func (d *InMemoryDB) PutProposal(ctx context.Context, p *types.Proposal) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if p.Id != "" {
		return db.ErrAlreadyExists
	}
	p.Id = uuid.New().String()
	p.DbModified = now.Now(ctx)
	d.proposals[p.Id] = p.Copy()
	return nil
}

// See docs for db.ProposalDB interface.
func (d *InMemoryDB) UpdateProposal(ctx context.Context, p *types.Proposal) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	old, ok := d.proposals[p.Id]
	if !ok {
		return db.ErrNotFound
	}
	if !old.DbModified.Equal(p.DbModified) {
		return db.ErrConcurrentUpdate
	}
	p.DbModified = monotonicAfter(now.Now(ctx), old.DbModified)
	d.proposals[p.Id] = p.Copy()
	return nil
}

// See docs for db.ProposalDB interface.
func (d *InMemoryDB) GetProposalById(ctx context.Context, id string) (*types.Proposal, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if p, ok := d.proposals[id]; ok {
		return p.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See docs for db.ProposalDB interface.
func (d *InMemoryDB) GetOpenProposalByDedup(ctx context.Context, repository, dedupHash string) (*types.Proposal, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	for _, p := range d.proposals {
		if p.Repository == repository && p.DedupHash == dedupHash && !p.Status.Terminal() {
			return p.Copy(), nil
		}
	}
	return nil, nil
}

// See docs for db.ProposalDB interface.
func (d *InMemoryDB) SearchProposals(ctx context.Context, params *db.ProposalSearchParams) ([]*types.Proposal, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.Proposal{}
	for _, p := range d.proposals {
		if params.Status != "" && p.Status != params.Status {
			continue
		}
		if params.Repository != "" && p.Repository != params.Repository {
			continue
		}
		if params.Category != "" && p.Category != params.Category {
			continue
		}
		if !params.IncludeSnoozed && p.Status == types.ProposalStatusSnoozed {
			continue
		}
		rv = append(rv, p.Copy())
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Created.Equal(rv[j].Created) {
			return rv[i].Id > rv[j].Id
		}
		return rv[i].Created.After(rv[j].Created)
	})
	if params.Limit > 0 && len(rv) > params.Limit {
		rv = rv[:params.Limit]
	}
	return rv, nil
}

// See docs for db.PauseDB interface.
func (d *InMemoryDB) GetPauseState(ctx context.Context) (*types.PauseState, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.pause.Copy(), nil
}

// See docs for db.PauseDB interface.
func (d *InMemoryDB) SetPauseState(ctx context.Context, state *types.PauseState, audit *types.PauseAuditEntry) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if state.Version != d.pause.Version+1 {
		return db.ErrConcurrentUpdate
	}
	d.pause = state.Copy()
	if audit != nil {
		cp := *audit
		d.audit = append(d.audit, &cp)
	}
	return nil
}

// See docs for db.PauseDB interface.
func (d *InMemoryDB) ListPauseAudit(ctx context.Context, limit int) ([]*types.PauseAuditEntry, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.PauseAuditEntry{}
	for i := len(d.audit) - 1; i >= 0 && (limit <= 0 || len(rv) < limit); i-- {
		cp := *d.audit[i]
		rv = append(rv, &cp)
	}
	return rv, nil
}

// See docs for db.CheckpointDB interface.
func (d *InMemoryDB) GetCheckpoint(ctx context.Context, manifestName, dataSourceId string) (*types.Checkpoint, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if c, ok := d.ckpts[manifestName+"|"+dataSourceId]; ok {
		return c.Copy(), nil
	}
	return nil, nil
}

// See docs for db.CheckpointDB interface.
func (d *InMemoryDB) PutCheckpoint(ctx context.Context, c *types.Checkpoint) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	cp := c.Copy()
	cp.Updated = now.Now(ctx)
	d.ckpts[c.ManifestName+"|"+c.DataSourceId] = cp
	return nil
}

// See docs for db.SkillRegistryDB interface.
func (d *InMemoryDB) GetSkillEntry(ctx context.Context, skillName, version string) (*types.SkillRegistryEntry, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if e, ok := d.skills[skillName+"@"+version]; ok {
		return e.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See docs for db.SkillRegistryDB interface.
func (d *InMemoryDB) PutSkillEntry(ctx context.Context, e *types.SkillRegistryEntry) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.skills[e.Ref()] = e.Copy()
	return nil
}

// See docs for db.SkillRegistryDB interface.
func (d *InMemoryDB) ListSkillEntries(ctx context.Context) ([]*types.SkillRegistryEntry, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := make([]*types.SkillRegistryEntry, 0, len(d.skills))
	for _, e := range d.skills {
		rv = append(rv, e.Copy())
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Ref() < rv[j].Ref() })
	return rv, nil
}

// See docs for db.ManifestDB interface.
func (d *InMemoryDB) GetManifest(ctx context.Context, name string) (string, string, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	y, ok := d.manifests[name]
	if !ok {
		return "", "", db.ErrNotFound
	}
	return y, contentHash(y), nil
}

// See docs for db.ManifestDB interface.
func (d *InMemoryDB) PutManifest(ctx context.Context, name, yaml string) (string, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.manifests[name] = yaml
	return contentHash(yaml), nil
}

func contentHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

var _ db.DBCloser = (*InMemoryDB)(nil)
