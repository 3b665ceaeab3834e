package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func submit(t *testing.T, ctx context.Context, d *InMemoryDB, job *types.Job) *types.Job {
	if job.Type == "" {
		job.Type = types.JobTypeTask
	}
	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.Created.IsZero() {
		job.Created = now.Now(ctx)
	}
	require.NoError(t, d.PutJob(ctx, job))
	return job
}

func claimParams(workerId string) *db.ClaimParams {
	return &db.ClaimParams{
		WorkerId:     workerId,
		Capabilities: []string{"codex", "git", "gh", "manifest"},
		LeaseTTL:     5 * time.Minute,
	}
}

func TestPutAndGetJob(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	job := submit(t, ctx, d, &types.Job{})
	require.NotEmpty(t, job.Id)
	require.Equal(t, testTime, job.DbModified)

	got, err := d.GetJobById(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, job, got)

	_, err = d.GetJobById(ctx, "no-such-job")
	require.True(t, db.IsNotFound(err))

	// Re-inserting a job which already has an id is rejected.
	require.True(t, db.IsAlreadyExists(d.PutJob(ctx, job)))
}

func TestUpdateJob_CAS(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	job := submit(t, ctx, d, &types.Job{})

	stale := job.Copy()
	job.Priority = 10
	require.NoError(t, d.UpdateJob(ctx, job))
	// DbModified moved forward even though the clock did not.
	require.True(t, job.DbModified.After(testTime))

	stale.Priority = 20
	require.True(t, db.IsConcurrentUpdate(d.UpdateJob(ctx, stale)))
}

func TestUpdateJob_IllegalTransition(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	job := submit(t, ctx, d, &types.Job{})
	job.Status = types.JobStatusSucceeded
	err := d.UpdateJob(ctx, job)
	require.True(t, db.IsInvalidTransition(err))
	// Distinct from the uniqueness and CAS failure modes.
	require.False(t, db.IsAlreadyExists(err))
	require.False(t, db.IsConcurrentUpdate(err))
}

func TestClaimJob_Ordering(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	older := submit(t, ctx, d, &types.Job{Created: testTime})
	ctx.Advance(time.Second)
	newer := submit(t, ctx, d, &types.Job{Created: ctx.Advance(0)})
	ctx.Advance(time.Second)
	urgent := submit(t, ctx, d, &types.Job{Created: ctx.Advance(0), Priority: 10})

	// Highest priority first, then earliest Created.
	for _, want := range []string{urgent.Id, older.Id, newer.Id} {
		claimed, err := d.ClaimJob(ctx, claimParams("w1"))
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, want, claimed.Id)
		require.Equal(t, types.JobStatusRunning, claimed.Status)
		require.Equal(t, "w1", claimed.LeaseOwner)
		require.Equal(t, 1, claimed.AttemptCount)
	}

	// Queue drained.
	claimed, err := d.ClaimJob(ctx, claimParams("w1"))
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimJob_CapabilityFilter(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	job := submit(t, ctx, d, &types.Job{
		RequiredCapabilities: []string{"codex", "semgrep"},
	})

	params := claimParams("w1")
	claimed, err := d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.Nil(t, claimed)

	params.Capabilities = append(params.Capabilities, "semgrep")
	claimed, err = d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.Id, claimed.Id)
}

func TestClaimJob_TypeAndRepositoryFilters(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	taskJob := submit(t, ctx, d, &types.Job{Repository: "octo/widgets"})
	manifestJob := submit(t, ctx, d, &types.Job{Type: types.JobTypeManifest})

	params := claimParams("w1")
	params.AllowedTypes = []types.JobType{types.JobTypeManifest}
	claimed, err := d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.Equal(t, manifestJob.Id, claimed.Id)

	params = claimParams("w1")
	params.AllowedRepositories = []string{"octo/gadgets"}
	claimed, err = d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.Nil(t, claimed)

	params.AllowedRepositories = []string{"octo/widgets"}
	claimed, err = d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.Equal(t, taskJob.Id, claimed.Id)

	// Jobs without a repository, manifest jobs in particular, are claimable
	// by repository-restricted workers.
	noRepoJob := submit(t, ctx, d, &types.Job{Type: types.JobTypeManifest})
	params = claimParams("w1")
	params.AllowedRepositories = []string{"octo/gadgets"}
	claimed, err = d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, noRepoJob.Id, claimed.Id)
}

func TestClaimJob_AffinityPreference(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	// The affinity job is newer, so it would normally be claimed second.
	plain := submit(t, ctx, d, &types.Job{Created: testTime})
	sticky := submit(t, ctx, d, &types.Job{
		Created:     testTime.Add(time.Second),
		AffinityKey: "octo/widgets",
	})

	params := claimParams("w1")
	params.PreferredAffinityKeys = []string{"octo/widgets"}
	claimed, err := d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.Equal(t, sticky.Id, claimed.Id)

	claimed, err = d.ClaimJob(ctx, params)
	require.NoError(t, err)
	require.Equal(t, plain.Id, claimed.Id)
}

func TestExtendLease(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	job := submit(t, ctx, d, &types.Job{})
	claimed, err := d.ClaimJob(ctx, claimParams("w1"))
	require.NoError(t, err)
	require.Equal(t, job.Id, claimed.Id)

	ctx.Advance(time.Minute)
	require.NoError(t, d.ExtendLease(ctx, job.Id, "w1", 5*time.Minute))
	got, err := d.GetJobById(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, ctx.Advance(0).Add(5*time.Minute), got.LeaseExpires)

	require.True(t, db.IsNotLeaseHolder(d.ExtendLease(ctx, job.Id, "w2", 5*time.Minute)))
	require.True(t, db.IsNotFound(d.ExtendLease(ctx, "no-such-job", "w1", 5*time.Minute)))
}

func TestExpireLeases(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	retryable := submit(t, ctx, d, &types.Job{MaxAttempts: 3})
	exhausted := submit(t, ctx, d, &types.Job{MaxAttempts: 1})
	for i := 0; i < 2; i++ {
		_, err := d.ClaimJob(ctx, claimParams("w1"))
		require.NoError(t, err)
	}

	// Nothing expires while the leases are valid.
	expired, err := d.ExpireLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)

	ctx.Advance(10 * time.Minute)
	expired, err = d.ExpireLeases(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	got, err := d.GetJobById(ctx, retryable.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusQueued, got.Status)
	require.Empty(t, got.LeaseOwner)

	got, err = d.GetJobById(ctx, exhausted.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, got.Status)
	require.Contains(t, got.LastError, "lease expired")
}

func TestAppendEvent_Ordering(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	first, err := d.AppendEvent(ctx, &types.Event{JobId: "j1", Message: "one"})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Id)
	require.Equal(t, testTime, first.Created)

	// With a frozen clock the ids still increase, and Created never runs
	// backwards.
	ctx.SetTime(testTime.Add(-time.Hour))
	second, err := d.AppendEvent(ctx, &types.Event{JobId: "j1", Message: "two"})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Id)
	require.False(t, second.Created.Before(first.Created))

	// Independent jobs have independent sequences.
	other, err := d.AppendEvent(ctx, &types.Event{JobId: "j2", Message: "other"})
	require.NoError(t, err)
	require.Equal(t, int64(1), other.Id)
}

func TestListEvents_Cursors(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	var all []*types.Event
	for i := 0; i < 5; i++ {
		ctx.Advance(time.Second)
		ev, err := d.AppendEvent(ctx, &types.Event{JobId: "j1"})
		require.NoError(t, err)
		all = append(all, ev)
	}

	got, err := d.ListEvents(ctx, "j1", types.EventCursor{}, 0, false)
	require.NoError(t, err)
	require.Equal(t, all, got)

	got, err = d.ListEvents(ctx, "j1", types.EventCursor{
		After:        all[2].Created,
		AfterEventId: all[2].Id,
	}, 0, false)
	require.NoError(t, err)
	require.Equal(t, all[3:], got)

	got, err = d.ListEvents(ctx, "j1", types.EventCursor{
		Before:        all[2].Created,
		BeforeEventId: all[2].Id,
	}, 0, true)
	require.NoError(t, err)
	require.Equal(t, []*types.Event{all[1], all[0]}, got)

	got, err = d.ListEvents(ctx, "j1", types.EventCursor{}, 2, true)
	require.NoError(t, err)
	require.Equal(t, []*types.Event{all[4], all[3]}, got)
}

func TestPutArtifact_WriteOnce(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	a := &types.Artifact{JobId: "j1", Name: types.ArtifactExecuteLog}
	require.NoError(t, d.PutArtifact(ctx, a))
	require.NotEmpty(t, a.Id)

	dup := &types.Artifact{JobId: "j1", Name: types.ArtifactExecuteLog}
	require.True(t, db.IsAlreadyExists(d.PutArtifact(ctx, dup)))

	// Same name under a different job is fine.
	require.NoError(t, d.PutArtifact(ctx, &types.Artifact{JobId: "j2", Name: types.ArtifactExecuteLog}))

	got, err := d.GetArtifact(ctx, "j1", a.Id)
	require.NoError(t, err)
	require.Equal(t, a.Name, got.Name)

	list, err := d.ListArtifacts(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestProposalDedup(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	hash := types.ComputeDedupHash("octo/widgets", "cleanup", "remove dead code", nil)
	p := &types.Proposal{
		Status:     types.ProposalStatusOpen,
		Repository: "octo/widgets",
		DedupHash:  hash,
	}
	require.NoError(t, d.PutProposal(ctx, p))

	got, err := d.GetOpenProposalByDedup(ctx, "octo/widgets", hash)
	require.NoError(t, err)
	require.Equal(t, p.Id, got.Id)

	// Terminal proposals no longer block the dedup slot.
	got.Status = types.ProposalStatusDismissed
	require.NoError(t, d.UpdateProposal(ctx, got))
	got, err = d.GetOpenProposalByDedup(ctx, "octo/widgets", hash)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPauseState_VersionCAS(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	state, err := d.GetPauseState(ctx)
	require.NoError(t, err)
	require.False(t, state.Paused)
	require.Equal(t, int64(0), state.Version)

	state.Paused = true
	state.Version = 1
	require.NoError(t, d.SetPauseState(ctx, state, &types.PauseAuditEntry{Action: "pause"}))

	// A writer holding the old version loses.
	stale := &types.PauseState{Paused: false, Version: 1}
	require.True(t, db.IsConcurrentUpdate(d.SetPauseState(ctx, stale, nil)))

	audit, err := d.ListPauseAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, "pause", audit[0].Action)
}

func TestCheckpoints(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := New()
	got, err := d.GetCheckpoint(ctx, "docs", "src1")
	require.NoError(t, err)
	require.Nil(t, got)

	cp := &types.Checkpoint{
		ManifestName: "docs",
		DataSourceId: "src1",
		Cursor:       "page-3",
		DocHashes:    map[string]string{"a.md": "h1"},
	}
	require.NoError(t, d.PutCheckpoint(ctx, cp))
	got, err = d.GetCheckpoint(ctx, "docs", "src1")
	require.NoError(t, err)
	require.Equal(t, "page-3", got.Cursor)
	require.Equal(t, testTime, got.Updated)
}

func TestManifestRegistry(t *testing.T) {
	ctx := context.Background()
	d := New()
	_, _, err := d.GetManifest(ctx, "docs")
	require.True(t, db.IsNotFound(err))

	h1, err := d.PutManifest(ctx, "docs", "metadata:\n  name: docs\n")
	require.NoError(t, err)
	y, h2, err := d.GetManifest(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Contains(t, y, "name: docs")

	// Re-putting different content changes the hash.
	h3, err := d.PutManifest(ctx, "docs", "metadata:\n  name: docs\n  version: 2\n")
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestSkillRegistry(t *testing.T) {
	ctx := context.Background()
	d := New()
	_, err := d.GetSkillEntry(ctx, "refactor", "1.0.0")
	require.True(t, db.IsNotFound(err))

	e := &types.SkillRegistryEntry{
		SkillName:   "refactor",
		Version:     "1.0.0",
		SourceType:  types.SkillSourceGit,
		SourceURI:   "https://github.com/octo/skills.git",
		ContentHash: "abc123",
		Enabled:     true,
	}
	require.NoError(t, d.PutSkillEntry(ctx, e))
	got, err := d.GetSkillEntry(ctx, "refactor", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, e, got)

	list, err := d.ListSkillEntries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
