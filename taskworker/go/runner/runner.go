// Package runner executes claimed task jobs through the staged pipeline:
// preflight, prepare, execute, publish, finalize. Every stage transition is
// emitted to the job's event log; stage output lands in artifacts.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.moonmind.dev/infra/go/exec"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/taskworker/go/client"
	"go.moonmind.dev/infra/taskworker/go/gitutil"
	"go.moonmind.dev/infra/taskworker/go/publish"
	"go.moonmind.dev/infra/taskworker/go/skills"
)

const (
	// stageRetries bounds in-stage retries of recoverable failures.
	stageRetries = 2

	stageRetryInitialInterval = 2 * time.Second
)

// JobService is the slice of the queue client the runner needs.
type JobService interface {
	client.EventAppender
	GetJob(ctx context.Context, jobId string) (*types.Job, error)
	UploadArtifact(ctx context.Context, jobId, name, contentType string, r io.Reader) (*types.Artifact, error)
}

// Config holds the runner's worker-local settings.
type Config struct {
	// WorkRoot is the directory run workspaces are created under.
	WorkRoot string

	// Runtimes maps a runtime mode to its agent command template. Templates
	// are shell-quoted; {instructions}, {model}, and {effort} placeholders
	// are substituted per invocation.
	Runtimes map[string]string

	// Redactor scrubs secrets from everything the runner emits.
	Redactor *util.Redactor

	// KeepWorkdirs leaves run workspaces on disk after the job finishes.
	KeepWorkdirs bool
}

// Outcome is the runner's verdict on one attempt.
type Outcome struct {
	Terminal types.TerminalOutcome

	// LastError is the redacted failure summary, empty on success.
	LastError string

	// Abandon means the worker should not report a terminal state: the
	// lease is left to lapse so that another worker (or another attempt)
	// picks the job up.
	Abandon bool
}

// Runner executes task jobs.
type Runner struct {
	queue     JobService
	skills    *skills.Materializer
	publisher *publish.Publisher
	cfg       Config
}

// New returns a Runner.
func New(queue JobService, mat *skills.Materializer, pub *publish.Publisher, cfg Config) *Runner {
	return &Runner{
		queue:     queue,
		skills:    mat,
		publisher: pub,
		cfg:       cfg,
	}
}

// runState carries per-run context between stages.
type runState struct {
	job      *types.Job
	sink     *client.EventSink
	runDir   string
	checkout *gitutil.Checkout
	result   *publish.Result
	started  time.Time
	stages   []string
}

// Run executes one claimed task job to its conclusion.
func (r *Runner) Run(ctx context.Context, job *types.Job) Outcome {
	sink := client.NewEventSink(ctx, r.queue, job.Id)
	defer sink.Close(context.WithoutCancel(ctx))
	st := &runState{
		job:     job,
		sink:    sink,
		started: now.Now(ctx),
	}
	stages := []struct {
		name string
		f    func(context.Context, *runState) error
	}{
		{types.StagePreflight, r.preflight},
		{types.StagePrepare, r.prepare},
		{types.StageExecute, r.execute},
		{types.StagePublish, r.publishStage},
		{types.StageFinalize, r.finalize},
	}
	defer r.cleanup(st)
	for _, stage := range stages {
		if cancelled, reason := r.cancelRequested(ctx, st); cancelled {
			sink.Stage(stage.name, types.StageStatusCancelled, "cancelled before "+stage.name+": "+reason)
			return Outcome{Terminal: types.TerminalOutcomeCancelled, LastError: r.redact(reason)}
		}
		sink.Stage(stage.name, types.StageStatusStarted, "")
		if err := r.runStage(ctx, stage.name, stage.f, st); err != nil {
			kind := types.KindOf(err)
			msg := r.redact(err.Error())
			sink.Stage(stage.name, types.StageStatusFailed, msg)
			if kind == types.ErrorKindCancelled {
				return Outcome{Terminal: types.TerminalOutcomeCancelled, LastError: msg}
			}
			// A capability miss or a recoverable failure with attempts
			// remaining is handed back to the queue via lease lapse.
			if kind == types.ErrorKindCapability ||
				(kind.StageRecoverable() && st.job.AttemptCount < st.job.MaxAttempts) {
				return Outcome{Abandon: true, LastError: msg}
			}
			return Outcome{Terminal: types.TerminalOutcomeFailure, LastError: msg}
		}
		st.stages = append(st.stages, stage.name)
		sink.Stage(stage.name, types.StageStatusSucceeded, "")
	}
	return Outcome{Terminal: types.TerminalOutcomeSuccess}
}

// runStage invokes f, retrying recoverable failures with backoff. Kinds
// which are terminal on first occurrence are never retried.
func (r *Runner) runStage(ctx context.Context, name string, f func(context.Context, *runState) error, st *runState) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = stageRetryInitialInterval
	tries := 0
	return backoff.Retry(func() error {
		tries++
		err := f(ctx, st)
		if err == nil {
			return nil
		}
		kind := types.KindOf(err)
		if !kind.StageRecoverable() || tries > stageRetries {
			return backoff.Permanent(err)
		}
		sklog.Warningf("Stage %s of job %s failed (attempt %d, %s); retrying: %s", name, st.job.Id, tries, kind, err)
		return err
	}, backoff.WithContext(bo, ctx))
}

func (r *Runner) redact(s string) string {
	return r.cfg.Redactor.Redact(s)
}

// cancelRequested refreshes the job and reports pending cancellation.
func (r *Runner) cancelRequested(ctx context.Context, st *runState) (bool, string) {
	job, err := r.queue.GetJob(ctx, st.job.Id)
	if err != nil {
		// Can't reach the queue; the lease will sort it out. Keep going.
		sklog.Warningf("Failed to refresh job %s: %s", st.job.Id, err)
		return false, ""
	}
	st.job = job
	if job.CancelPending() {
		return true, job.CancelReason
	}
	return false, ""
}

// preflight validates the payload against what this worker can actually do.
func (r *Runner) preflight(ctx context.Context, st *runState) error {
	payload := st.job.TaskPayload
	if payload == nil {
		return types.KindErrorf(types.ErrorKindValidation, "job %s has no task payload", st.job.Id)
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	template, ok := r.cfg.Runtimes[payload.Task.Runtime.Mode]
	if !ok {
		return types.KindErrorf(types.ErrorKindCapability, "runtime %q is not configured on this worker", payload.Task.Runtime.Mode)
	}
	argv, err := buildCommand(template, payload.Task.Runtime, "probe")
	if err != nil {
		return err
	}
	for _, bin := range []string{"git", argv[0]} {
		if !exec.LookPath(bin) {
			return types.KindErrorf(types.ErrorKindCapability, "%s is not installed on this worker", bin)
		}
	}
	if payload.Task.Publish.Mode == types.PublishModePR && r.publisher == nil {
		return types.KindErrorf(types.ErrorKindCapability, "this worker cannot publish PRs")
	}
	return nil
}

// prepare builds the run workspace: checkout plus materialized skills.
func (r *Runner) prepare(ctx context.Context, st *runState) error {
	payload := st.job.TaskPayload
	runDir := filepath.Join(r.cfg.WorkRoot, st.job.Id)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return skerr.Wrap(err)
	}
	st.runDir = runDir
	var log bytes.Buffer
	fmt.Fprintf(&log, "run dir: %s\n", runDir)

	repoDir := filepath.Join(runDir, "repo")
	if st.checkout == nil {
		co, err := gitutil.Clone(ctx, gitutil.NormalizeRepoURL(payload.Repository), repoDir, payload.Task.Git.StartingBranch)
		if err != nil {
			return err
		}
		st.checkout = co
		fmt.Fprintf(&log, "cloned %s\n", payload.Repository)
	}

	selections := []*types.SkillSelection{payload.Task.Skill}
	for i := range payload.Task.Steps {
		selections = append(selections, payload.Task.Steps[i].Skill)
	}
	entries, err := r.skills.MaterializeRun(ctx, runDir, selections)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(&log, "skill %s (%s)\n", e.Ref(), e.ContentHash[:12])
	}
	r.uploadArtifact(ctx, st, types.ArtifactPrepareLog, "text/plain", log.Bytes())
	return nil
}

// execute runs the agent CLI, once for plain-instruction tasks or once per
// step for stepped tasks.
func (r *Runner) execute(ctx context.Context, st *runState) error {
	payload := st.job.TaskPayload
	var combined bytes.Buffer
	if len(payload.Task.Steps) == 0 {
		if err := r.runAgent(ctx, st, payload.Task.Instructions, &combined); err != nil {
			r.uploadArtifact(ctx, st, types.ArtifactExecuteLog, "text/plain", combined.Bytes())
			return err
		}
	} else {
		for i, step := range payload.Task.Steps {
			if cancelled, reason := r.cancelRequested(ctx, st); cancelled {
				r.uploadArtifact(ctx, st, types.ArtifactExecuteLog, "text/plain", combined.Bytes())
				return types.KindErrorf(types.ErrorKindCancelled, "cancelled before step %s: %s", step.Id, reason)
			}
			var stepLog bytes.Buffer
			out := io.MultiWriter(&combined, &stepLog)
			fmt.Fprintf(&combined, "--- step %s ---\n", step.Id)
			err := r.runAgent(ctx, st, step.Instructions, out)
			r.uploadArtifact(ctx, st, types.StepLogArtifact(i), "text/plain", stepLog.Bytes())
			if err != nil {
				r.uploadArtifact(ctx, st, types.ArtifactExecuteLog, "text/plain", combined.Bytes())
				return skerr.Wrapf(err, "step %s", step.Id)
			}
		}
	}
	r.uploadArtifact(ctx, st, types.ArtifactExecuteLog, "text/plain", combined.Bytes())
	return nil
}

// runAgent invokes the configured agent CLI with the given instructions,
// teeing output into the artifact buffer and the event log.
func (r *Runner) runAgent(ctx context.Context, st *runState, instructions string, artifactOut io.Writer) error {
	runtime := st.job.TaskPayload.Task.Runtime
	argv, err := buildCommand(r.cfg.Runtimes[runtime.Mode], runtime, instructions)
	if err != nil {
		return err
	}
	stdout := io.MultiWriter(artifactOut, newLineWriter(st.sink, types.LogStreamStdout, r.cfg.Redactor))
	stderr := io.MultiWriter(artifactOut, newLineWriter(st.sink, types.LogStreamStderr, r.cfg.Redactor))
	cmd := &exec.Command{
		Name:        argv[0],
		Args:        argv[1:],
		Dir:         st.checkout.Dir(),
		InheritPath: true,
		Env: []string{
			"MOONMIND_JOB_ID=" + st.job.Id,
			"MOONMIND_SKILLS_DIR=" + filepath.Join(st.runDir, skills.ActiveDirName),
		},
		Stdout: stdout,
		Stderr: stderr,
	}
	if err := exec.Run(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return types.NewKindError(types.ErrorKindCancelled, err)
		}
		return types.NewKindError(types.ErrorKindTool, skerr.Wrapf(err, "agent command failed"))
	}
	return nil
}

// publishStage pushes results per the publish spec and records the stage log
// plus the outcome artifact.
func (r *Runner) publishStage(ctx context.Context, st *runState) error {
	pub := r.publisher
	if pub == nil {
		pub = publish.New(nil)
	}
	var log bytes.Buffer
	fmt.Fprintf(&log, "publish mode: %s\n", st.job.TaskPayload.Task.Publish.Mode)
	result, err := pub.Publish(ctx, st.checkout, st.job)
	if err != nil {
		fmt.Fprintf(&log, "publish failed: %s\n", err)
		r.uploadArtifact(ctx, st, types.ArtifactPublishLog, "text/plain", log.Bytes())
		return err
	}
	if result.Published {
		fmt.Fprintf(&log, "pushed %s as %s\n", result.CommitHash, result.Branch)
		if result.PRURL != "" {
			fmt.Fprintf(&log, "opened PR #%d: %s\n", result.PRNumber, result.PRURL)
		}
	} else {
		fmt.Fprintf(&log, "nothing published: %s\n", result.Reason)
	}
	r.uploadArtifact(ctx, st, types.ArtifactPublishLog, "text/plain", log.Bytes())
	st.result = result
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	r.uploadArtifact(ctx, st, types.ArtifactPublishResult, "application/json", data)
	return nil
}

// runSummary is the reports/run_summary.json artifact.
type runSummary struct {
	JobId           string          `json:"jobId"`
	StagesCompleted []string        `json:"stagesCompleted"`
	DurationMs      int64           `json:"durationMs"`
	Publish         *publish.Result `json:"publish,omitempty"`
}

func (r *Runner) finalize(ctx context.Context, st *runState) error {
	summary := runSummary{
		JobId:           st.job.Id,
		StagesCompleted: append([]string{}, st.stages...),
		DurationMs:      now.Now(ctx).Sub(st.started).Milliseconds(),
		Publish:         st.result,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	r.uploadArtifact(ctx, st, types.ArtifactReportRunSummary, "application/json", data)
	return nil
}

func (r *Runner) cleanup(st *runState) {
	if st.runDir == "" || r.cfg.KeepWorkdirs {
		return
	}
	if err := os.RemoveAll(st.runDir); err != nil {
		sklog.Warningf("Failed to remove run dir %s: %s", st.runDir, err)
	}
}

// uploadArtifact stores a stage artifact. Upload failures are logged, not
// fatal: the job's outcome should not depend on log shipping.
func (r *Runner) uploadArtifact(ctx context.Context, st *runState, name, contentType string, data []byte) {
	redacted := r.redact(string(data))
	if _, err := r.queue.UploadArtifact(ctx, st.job.Id, name, contentType, strings.NewReader(redacted)); err != nil {
		if types.KindOf(err) == types.ErrorKindConflict {
			// Already uploaded by an earlier attempt of this stage.
			return
		}
		sklog.Warningf("Failed to upload artifact %s for job %s: %s", name, st.job.Id, err)
	}
}
