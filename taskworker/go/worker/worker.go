// Package worker runs the claim loop of a dedicated task worker: claim one
// job, heartbeat its lease, dispatch to the job-type handler, and report the
// terminal state.
package worker

import (
	"context"
	"time"

	"go.moonmind.dev/infra/go/metrics2"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/taskworker/go/client"
	"go.moonmind.dev/infra/taskworker/go/livesession"
	"go.moonmind.dev/infra/taskworker/go/runner"
)

const defaultPollInterval = 5 * time.Second

// Handler executes one claimed job of a particular type.
type Handler interface {
	Run(ctx context.Context, job *types.Job) runner.Outcome
}

// Config holds worker identity and claim filters.
type Config struct {
	// Capabilities this worker advertises, eg. ["codex", "git", "gh"].
	Capabilities []string

	// AllowedTypes restricts which job types are claimed. Empty means all.
	AllowedTypes []types.JobType

	// AllowedRepositories restricts task repositories. Empty means all.
	AllowedRepositories []string

	// LeaseTTL requested on claims. Zero uses the queue's default.
	LeaseTTL time.Duration

	// PollInterval between empty claims.
	PollInterval time.Duration
}

// Worker claims and executes jobs, one at a time.
type Worker struct {
	client   *client.Client
	handlers map[types.JobType]Handler
	cfg      Config

	claimCounter metrics2.Counter
	doneCounter  metrics2.Counter
	liveness     metrics2.Liveness
}

// New returns a Worker dispatching to the given per-type handlers.
func New(c *client.Client, handlers map[types.JobType]Handler, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if len(cfg.AllowedTypes) == 0 {
		for t := range handlers {
			cfg.AllowedTypes = append(cfg.AllowedTypes, t)
		}
	}
	return &Worker{
		client:       c,
		handlers:     handlers,
		cfg:          cfg,
		claimCounter: metrics2.GetCounter("worker_claims", nil),
		doneCounter:  metrics2.GetCounter("worker_jobs_completed", nil),
		liveness:     metrics2.NewLiveness("worker_claim_loop", nil),
	}
}

// Run claims and executes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	sklog.Infof("Worker %s starting; capabilities=%v types=%v", w.client.WorkerId(), w.cfg.Capabilities, w.cfg.AllowedTypes)
	for {
		if ctx.Err() != nil {
			sklog.Infof("Worker %s stopping.", w.client.WorkerId())
			return
		}
		w.liveness.Reset()
		job, err := w.claim(ctx)
		if err != nil {
			sklog.Warningf("Claim failed: %s", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.claimCounter.Inc(1)
		w.runJob(ctx, job)
		w.doneCounter.Inc(1)
	}
}

func (w *Worker) claim(ctx context.Context) (*types.Job, error) {
	req := &types.ClaimRequest{
		Capabilities:        w.cfg.Capabilities,
		AllowedTypes:        w.cfg.AllowedTypes,
		AllowedRepositories: w.cfg.AllowedRepositories,
	}
	if w.cfg.LeaseTTL > 0 {
		req.LeaseTTLSeconds = int(w.cfg.LeaseTTL / time.Second)
	}
	return w.client.Claim(ctx, req)
}

// runJob executes one claimed job: heartbeats run for the duration, a live
// session monitor watches for operator takeover, and the handler's outcome
// is reported unless the job is abandoned back to the queue.
func (w *Worker) runJob(ctx context.Context, job *types.Job) {
	sklog.Infof("Claimed job %s (%s).", job.Id, job.Type)
	handler, ok := w.handlers[job.Type]
	if !ok {
		// Should not happen given AllowedTypes; be safe and let the lease
		// lapse for a capable worker.
		sklog.Errorf("No handler for job type %q; abandoning job %s.", job.Type, job.Id)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	hbInterval := w.heartbeatInterval(job)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(hbInterval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				if err := w.client.Heartbeat(runCtx, job.Id); err != nil {
					if types.KindOf(err) == types.ErrorKindConflict {
						// Lost the lease; stop working on the job.
						sklog.Warningf("Lost lease on job %s; aborting run.", job.Id)
						cancelRun()
						return
					}
					sklog.Warningf("Heartbeat for job %s failed: %s", job.Id, err)
				}
			}
		}
	}()

	monitor := livesession.NewMonitor(w.client, job.Id, func() {
		sklog.Infof("Operator took over job %s; stopping local run.", job.Id)
		cancelRun()
	})
	monitor.Start(runCtx)

	outcome := handler.Run(runCtx, job)
	cancelRun()
	<-hbDone

	if outcome.Abandon {
		sklog.Warningf("Abandoning job %s back to the queue: %s", job.Id, outcome.LastError)
		return
	}
	if monitor.TakenOver() && outcome.Terminal != types.TerminalOutcomeSuccess {
		outcome.Terminal = types.TerminalOutcomeCancelled
		if outcome.LastError == "" {
			outcome.LastError = "operator took over the session"
		}
	}
	// Report with a fresh context; runCtx may be cancelled.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := w.client.ReportTerminal(reportCtx, job.Id, outcome.Terminal, outcome.LastError); err != nil {
		sklog.Errorf("Failed to report terminal state of job %s: %s", job.Id, err)
		return
	}
	sklog.Infof("Job %s finished: %s.", job.Id, outcome.Terminal)
}

func (w *Worker) heartbeatInterval(job *types.Job) time.Duration {
	ttl := w.cfg.LeaseTTL
	if ttl <= 0 {
		if !job.LeaseExpires.IsZero() {
			ttl = time.Until(job.LeaseExpires)
		}
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
	}
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
