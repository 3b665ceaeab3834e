package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/testutils"
	"go.moonmind.dev/infra/jobqueue/go/artifacts"
	"go.moonmind.dev/infra/jobqueue/go/db/memory"
	"go.moonmind.dev/infra/jobqueue/go/pause"
	"go.moonmind.dev/infra/jobqueue/go/proposals"
	"go.moonmind.dev/infra/jobqueue/go/queue"
	"go.moonmind.dev/infra/jobqueue/go/server"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/taskworker/go/client"
	"go.moonmind.dev/infra/taskworker/go/runner"
)

// fakeHandler returns a canned outcome and records the jobs it saw.
type fakeHandler struct {
	mtx     sync.Mutex
	outcome runner.Outcome
	jobs    []*types.Job
}

func (h *fakeHandler) Run(_ context.Context, job *types.Job) runner.Outcome {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.jobs = append(h.jobs, job)
	return h.outcome
}

func (h *fakeHandler) seen() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.jobs)
}

// startQueue runs the full queue service over HTTP and returns a worker
// client for it.
func startQueue(t *testing.T) *client.Client {
	d := memory.New()
	blobs, err := artifacts.NewFSStore(testutils.TempDir(t))
	require.NoError(t, err)
	gate := pause.New(d, d)
	q := queue.New(d, blobs, gate, time.Minute)
	srv := httptest.NewServer(server.New(q, gate, proposals.New(d, q)).Router())
	t.Cleanup(srv.Close)
	return client.New(srv.URL, "w1", srv.Client())
}

func submitTask(t *testing.T, c *client.Client) *types.Job {
	payload, err := json.Marshal(&types.TaskPayload{
		Repository: "octo/widgets",
		Task: types.TaskSpec{
			Instructions: "update the changelog",
			Runtime:      types.RuntimeSpec{Mode: "codex"},
			Publish:      types.PublishSpec{Mode: types.PublishModeNone},
		},
	})
	require.NoError(t, err)
	job, err := c.SubmitJob(context.Background(), &types.SubmitJobRequest{
		Type:    types.JobTypeTask,
		Payload: payload,
	})
	require.NoError(t, err)
	return job
}

func runWorker(t *testing.T, c *client.Client, h Handler) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(c, map[types.JobType]Handler{types.JobTypeTask: h}, Config{
		Capabilities: []string{"codex", "git"},
		LeaseTTL:     time.Minute,
		PollInterval: 10 * time.Millisecond,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWorker_RunsJobToSuccess(t *testing.T) {
	c := startQueue(t)
	job := submitTask(t, c)
	h := &fakeHandler{outcome: runner.Outcome{Terminal: types.TerminalOutcomeSuccess}}
	runWorker(t, c, h)

	require.Eventually(t, func() bool {
		got, err := c.GetJob(context.Background(), job.Id)
		return err == nil && got.Status == types.JobStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, h.seen())
}

func TestWorker_ReportsFailure(t *testing.T) {
	c := startQueue(t)
	job := submitTask(t, c)
	h := &fakeHandler{outcome: runner.Outcome{
		Terminal:  types.TerminalOutcomeFailure,
		LastError: "agent command failed",
	}}
	runWorker(t, c, h)

	require.Eventually(t, func() bool {
		got, err := c.GetJob(context.Background(), job.Id)
		return err == nil && got.Status == types.JobStatusFailed
	}, 5*time.Second, 20*time.Millisecond)
	got, err := c.GetJob(context.Background(), job.Id)
	require.NoError(t, err)
	require.Equal(t, "agent command failed", got.LastError)
}

func TestWorker_AbandonLeavesLeaseToLapse(t *testing.T) {
	c := startQueue(t)
	job := submitTask(t, c)
	h := &fakeHandler{outcome: runner.Outcome{Abandon: true, LastError: "runtime missing"}}
	runWorker(t, c, h)

	require.Eventually(t, func() bool {
		return h.seen() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// No terminal report: the job stays running on its lease until the
	// sweeper requeues it.
	got, err := c.GetJob(context.Background(), job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusRunning, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestWorker_SkipsJobsItCannotHandle(t *testing.T) {
	c := startQueue(t)
	submitTask(t, c)
	h := &fakeHandler{outcome: runner.Outcome{Terminal: types.TerminalOutcomeSuccess}}

	// A worker without the task runtime capability never claims the job.
	ctx, cancel := context.WithCancel(context.Background())
	w := New(c, map[types.JobType]Handler{types.JobTypeTask: h}, Config{
		Capabilities: []string{"git"},
		PollInterval: 10 * time.Millisecond,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done
	require.Equal(t, 0, h.seen())
}
