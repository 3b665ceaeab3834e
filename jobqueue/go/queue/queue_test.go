package queue

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/testutils"
	"go.moonmind.dev/infra/jobqueue/go/artifacts"
	"go.moonmind.dev/infra/jobqueue/go/db/memory"
	"go.moonmind.dev/infra/jobqueue/go/pause"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*now.TimeTravelCtx, *Queue, *memory.InMemoryDB) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := memory.New()
	store, err := artifacts.NewFSStore(testutils.TempDir(t))
	require.NoError(t, err)
	gate := pause.New(d, d)
	q := New(d, store, gate, 5*time.Minute)
	return ctx, q, d
}

func taskRequest(t *testing.T) *types.SubmitJobRequest {
	payload, err := json.Marshal(&types.TaskPayload{
		Repository: "octo/widgets",
		Task: types.TaskSpec{
			Instructions: "update the changelog",
			Runtime:      types.RuntimeSpec{Mode: "codex"},
			Publish:      types.PublishSpec{Mode: types.PublishModeNone},
		},
	})
	require.NoError(t, err)
	return &types.SubmitJobRequest{
		Type:    types.JobTypeTask,
		Payload: payload,
	}
}

func claimRequest() *types.ClaimRequest {
	return &types.ClaimRequest{
		WorkerId:     "w1",
		Capabilities: []string{"codex", "git", "gh"},
	}
}

func TestSubmitJob(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	require.NotEmpty(t, job.Id)
	require.Equal(t, types.JobStatusQueued, job.Status)
	require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	require.Equal(t, "octo/widgets", job.Repository)
	require.Equal(t, "codex", job.TargetRuntime)
	// Capabilities derived from the payload.
	require.Equal(t, []string{"codex", "git"}, job.RequiredCapabilities)

	// The submitted stage event is first in the log.
	events, err := q.ListEvents(ctx, job.Id, types.EventCursor{}, 0, false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.StageSubmitted, events[0].Payload.Stage)
}

func TestSubmitJob_RejectsMalformedPayload(t *testing.T) {
	ctx, q, _ := setup(t)
	req := taskRequest(t)
	req.Payload = json.RawMessage(`{"repository": "octo/widgets", "bogus": true}`)
	_, err := q.SubmitJob(ctx, req)
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))

	req.Type = "cron"
	_, err = q.SubmitJob(ctx, req)
	require.Error(t, err)
}

func TestClaimHeartbeatTerminal(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)

	claimed, err := q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	require.Equal(t, job.Id, claimed.Id)
	require.Equal(t, types.JobStatusRunning, claimed.Status)
	require.Equal(t, "w1", claimed.LeaseOwner)

	// Heartbeats are holder-only.
	require.NoError(t, q.Heartbeat(ctx, job.Id, "w1"))
	err = q.Heartbeat(ctx, job.Id, "w2")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))

	done, err := q.ReportTerminal(ctx, job.Id, "w1", types.TerminalOutcomeSuccess, "")
	require.NoError(t, err)
	require.Equal(t, types.JobStatusSucceeded, done.Status)
	require.Empty(t, done.LeaseOwner)
	require.False(t, done.Finished.IsZero())
}

func TestReportTerminal_Idempotent(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)

	_, err = q.ReportTerminal(ctx, job.Id, "w1", types.TerminalOutcomeFailure, "agent exited 1")
	require.NoError(t, err)

	// Re-reporting the same state succeeds silently.
	got, err := q.ReportTerminal(ctx, job.Id, "w1", types.TerminalOutcomeFailure, "agent exited 1")
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, got.Status)

	// A conflicting report is rejected.
	_, err = q.ReportTerminal(ctx, job.Id, "w1", types.TerminalOutcomeSuccess, "")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))
}

func TestReportTerminal_HolderOnly(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)

	_, err = q.ReportTerminal(ctx, job.Id, "w2", types.TerminalOutcomeSuccess, "")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))
}

func TestRequestCancel_QueuedJobCancelledBySweep(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)

	got, err := q.RequestCancel(ctx, job.Id, "operator changed their mind")
	require.NoError(t, err)
	require.True(t, got.CancelPending())
	require.Equal(t, "operator changed their mind", got.CancelReason)

	q.sweep(ctx)
	got, err = q.GetJob(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCancelled, got.Status)

	// Cancelling a terminal job is a conflict.
	_, err = q.RequestCancel(ctx, job.Id, "again")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))
}

func TestSweep_RequeuesExpiredLeases(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)

	ctx.Advance(10 * time.Minute)
	q.sweep(ctx)

	got, err := q.GetJob(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusQueued, got.Status)

	events, err := q.ListEvents(ctx, job.Id, types.EventCursor{}, 0, false)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, types.StageRequeued, last.Payload.Stage)

	// The requeued job can be claimed again; the second expiry exhausts
	// maxAttempts and fails it.
	_, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	ctx.Advance(10 * time.Minute)
	q.sweep(ctx)
	got, err = q.GetJob(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, got.Status)
}

func TestSweep_QuiesceCancelsRunningJobs(t *testing.T) {
	ctx, q, d := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)

	gate := pause.New(d, d)
	_, err = gate.Pause(ctx, types.PauseModeQuiesce, "incident")
	require.NoError(t, err)

	// The sweeper surrenders running jobs for cancel; the worker observes
	// the request at its next safe boundary.
	q.sweep(ctx)
	got, err := q.GetJob(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusRunning, got.Status)
	require.True(t, got.CancelPending())
	require.Equal(t, "workers paused for quiesce", got.CancelReason)

	// Repeated sweeps do not re-request.
	q.sweep(ctx)
	events, err := q.ListEvents(ctx, job.Id, types.EventCursor{}, 0, false)
	require.NoError(t, err)
	requested := 0
	for _, ev := range events {
		if ev.Payload.Stage == "cancel_requested" {
			requested++
		}
	}
	require.Equal(t, 1, requested)

	// A drain pause leaves running jobs alone.
	job2, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	_, err = gate.Resume(ctx, "switching modes", true)
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	_, err = gate.Pause(ctx, types.PauseModeDrain, "maintenance")
	require.NoError(t, err)
	q.sweep(ctx)
	got, err = q.GetJob(ctx, job2.Id)
	require.NoError(t, err)
	require.False(t, got.CancelPending())
}

func TestClaimJob_PauseGate(t *testing.T) {
	ctx, q, d := setup(t)
	_, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)

	gate := pause.New(d, d)
	_, err = gate.Pause(ctx, types.PauseModeDrain, "maintenance")
	require.NoError(t, err)

	claimed, err := q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	require.Nil(t, claimed)

	_, err = gate.Resume(ctx, "done", false)
	require.NoError(t, err)
	claimed, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestArtifacts_WriteOnce(t *testing.T) {
	ctx, q, _ := setup(t)
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)

	a, err := q.PutArtifact(ctx, job.Id, types.ArtifactExecuteLog, "text/plain", strings.NewReader("hello\n"))
	require.NoError(t, err)
	require.Equal(t, int64(6), a.SizeBytes)

	_, err = q.PutArtifact(ctx, job.Id, types.ArtifactExecuteLog, "text/plain", strings.NewReader("again"))
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))

	got, r, err := q.OpenArtifact(ctx, job.Id, a.Id)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, r.Close())
	}()
	require.Equal(t, a.Id, got.Id)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(b))

	list, err := q.ListArtifacts(ctx, job.Id)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestAppendEvent_UnknownJob(t *testing.T) {
	ctx, q, _ := setup(t)
	_, err := q.AppendEvent(ctx, "no-such-job", types.EventLevelInfo, "hello", types.EventPayload{Kind: types.EventKindLog})
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}

func TestEventListeners(t *testing.T) {
	ctx, q, _ := setup(t)
	var seen []*types.Event
	q.AddEventListener(func(ev *types.Event) {
		seen = append(seen, ev)
	})
	job, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	_, err = q.AppendEvent(ctx, job.Id, types.EventLevelInfo, "hello", types.EventPayload{Kind: types.EventKindLog})
	require.NoError(t, err)
	require.Len(t, seen, 2) // submitted stage event + log event
	require.Equal(t, "hello", seen[1].Message)
}

func TestAffinityPreference(t *testing.T) {
	ctx, q, _ := setup(t)
	req := taskRequest(t)
	req.AffinityKey = "octo/widgets"
	job1, err := q.SubmitJob(ctx, req)
	require.NoError(t, err)

	// w1 executes the affinity key once.
	claimed, err := q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	require.Equal(t, job1.Id, claimed.Id)
	_, err = q.ReportTerminal(ctx, job1.Id, "w1", types.TerminalOutcomeSuccess, "")
	require.NoError(t, err)

	// A plain job submitted earlier would normally win, but the affinity
	// job goes to w1 first.
	plain, err := q.SubmitJob(ctx, taskRequest(t))
	require.NoError(t, err)
	ctx.Advance(time.Second)
	sticky, err := q.SubmitJob(ctx, req)
	require.NoError(t, err)

	claimed, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	require.Equal(t, sticky.Id, claimed.Id)

	claimed, err = q.ClaimJob(ctx, claimRequest())
	require.NoError(t, err)
	require.Equal(t, plain.Id, claimed.Id)
}
