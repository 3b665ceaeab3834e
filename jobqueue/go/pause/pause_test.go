package pause

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/db/memory"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPauseResume(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := memory.New()
	g := New(d, d)

	paused, err := g.Paused(ctx)
	require.NoError(t, err)
	require.False(t, paused)

	// A reason is mandatory.
	_, err = g.Pause(ctx, types.PauseModeDrain, "")
	require.Error(t, err)
	_, err = g.Pause(ctx, "halt", "bad mode")
	require.Error(t, err)

	state, err := g.Pause(ctx, types.PauseModeDrain, "maintenance window")
	require.NoError(t, err)
	require.True(t, state.Paused)
	require.Equal(t, int64(1), state.Version)

	paused, err = g.Paused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	state, err = g.Resume(ctx, "maintenance done", false)
	require.NoError(t, err)
	require.False(t, state.Paused)
	require.Equal(t, int64(2), state.Version)

	// Resuming an unpaused fleet is a no-op.
	state, err = g.Resume(ctx, "again", false)
	require.NoError(t, err)
	require.False(t, state.Paused)
	require.Equal(t, int64(2), state.Version)
}

func TestResume_RequiresDrainOrForce(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := memory.New()
	g := New(d, d)

	// Put one job into running.
	job := &types.Job{
		Type:        types.JobTypeTask,
		Status:      types.JobStatusQueued,
		MaxAttempts: 1,
		Created:     testTime,
	}
	require.NoError(t, d.PutJob(ctx, job))
	_, err := d.ClaimJob(ctx, &db.ClaimParams{WorkerId: "w1", LeaseTTL: time.Minute})
	require.NoError(t, err)

	_, err = g.Pause(ctx, types.PauseModeQuiesce, "incident")
	require.NoError(t, err)

	quiesce, err := g.QuiescePending(ctx)
	require.NoError(t, err)
	require.True(t, quiesce)

	_, err = g.Resume(ctx, "too early", false)
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))

	state, err := g.Resume(ctx, "accepted the risk", true)
	require.NoError(t, err)
	require.False(t, state.Paused)
}

func TestStatus(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := memory.New()
	g := New(d, d)

	job := &types.Job{
		Type:        types.JobTypeTask,
		Status:      types.JobStatusQueued,
		MaxAttempts: 2,
		Created:     testTime,
	}
	require.NoError(t, d.PutJob(ctx, job))

	status, err := g.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.System.Paused)
	require.Equal(t, 1, status.Metrics.Queued)
	require.True(t, status.Metrics.IsDrained)
	require.Empty(t, status.Audit)

	_, err = d.ClaimJob(ctx, &db.ClaimParams{WorkerId: "w1", LeaseTTL: time.Minute})
	require.NoError(t, err)
	ctx.Advance(2 * time.Minute)

	_, err = g.Pause(ctx, types.PauseModeDrain, "rollout")
	require.NoError(t, err)
	status, err = g.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Metrics.Running)
	require.Equal(t, 1, status.Metrics.StaleRunning)
	require.False(t, status.Metrics.IsDrained)
	require.Len(t, status.Audit, 1)
	require.Equal(t, "pause", status.Audit[0].Action)
}
