// Package pause implements the system-wide worker-pause gate. While paused,
// claims return empty; heartbeats still succeed so in-flight jobs can finish
// (drain) or surrender for cancel (quiesce).
package pause

import (
	"context"

	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const auditLimit = 20

// Gate mediates pause/resume transitions over the versioned pause record.
type Gate struct {
	pauseDB db.PauseDB
	jobDB   db.JobDB
}

// New returns a Gate over the given stores.
func New(pauseDB db.PauseDB, jobDB db.JobDB) *Gate {
	return &Gate{pauseDB: pauseDB, jobDB: jobDB}
}

// Paused returns true if claims are currently gated off.
func (g *Gate) Paused(ctx context.Context) (bool, error) {
	s, err := g.pauseDB.GetPauseState(ctx)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return s.Paused, nil
}

// Metrics summarizes queue occupancy for the pause status surface.
type Metrics struct {
	Queued       int  `json:"queued"`
	Running      int  `json:"running"`
	StaleRunning int  `json:"staleRunning"`
	IsDrained    bool `json:"isDrained"`
}

// Status is the full worker-pause status document.
type Status struct {
	System  *types.PauseState        `json:"system"`
	Metrics Metrics                  `json:"metrics"`
	Audit   []*types.PauseAuditEntry `json:"audit"`
}

// Status returns the pause record, occupancy metrics, and the audit tail.
func (g *Gate) Status(ctx context.Context) (*Status, error) {
	state, err := g.pauseDB.GetPauseState(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	m, err := g.metrics(ctx)
	if err != nil {
		return nil, err
	}
	audit, err := g.pauseDB.ListPauseAudit(ctx, auditLimit)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Status{System: state, Metrics: *m, Audit: audit}, nil
}

func (g *Gate) metrics(ctx context.Context) (*Metrics, error) {
	running, stale, err := g.jobDB.RunningCount(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	queued, err := g.jobDB.SearchJobs(ctx, &db.JobSearchParams{Status: types.JobStatusQueued})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Metrics{
		Queued:       len(queued),
		Running:      running,
		StaleRunning: stale,
		IsDrained:    running == 0,
	}, nil
}

// Pause gates off claims. A reason is required; mode defaults to drain.
func (g *Gate) Pause(ctx context.Context, mode types.PauseMode, reason string) (*types.PauseState, error) {
	if reason == "" {
		return nil, types.KindErrorf(types.ErrorKindValidation, "a reason is required to pause workers")
	}
	if mode == "" {
		mode = types.PauseModeDrain
	}
	if mode != types.PauseModeDrain && mode != types.PauseModeQuiesce {
		return nil, types.KindErrorf(types.ErrorKindValidation, "unknown pause mode %q", mode)
	}
	cur, err := g.pauseDB.GetPauseState(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ts := now.Now(ctx)
	next := &types.PauseState{
		Paused:  true,
		Mode:    mode,
		Reason:  reason,
		Version: cur.Version + 1,
		Updated: ts,
	}
	audit := &types.PauseAuditEntry{
		Action:  "pause",
		Mode:    mode,
		Reason:  reason,
		Created: ts,
	}
	if err := g.pauseDB.SetPauseState(ctx, next, audit); err != nil {
		return nil, skerr.Wrap(err)
	}
	return next, nil
}

// Resume reopens the gate. Resuming while jobs are still running requires
// the force flag, so that an operator does not accidentally mix old and new
// work mid-drain.
func (g *Gate) Resume(ctx context.Context, reason string, force bool) (*types.PauseState, error) {
	if reason == "" {
		return nil, types.KindErrorf(types.ErrorKindValidation, "a reason is required to resume workers")
	}
	cur, err := g.pauseDB.GetPauseState(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if !cur.Paused {
		return cur, nil
	}
	m, err := g.metrics(ctx)
	if err != nil {
		return nil, err
	}
	if !m.IsDrained && !force {
		return nil, types.KindErrorf(types.ErrorKindConflict, "fleet is not drained (%d running); pass forceResume to resume anyway", m.Running)
	}
	ts := now.Now(ctx)
	next := &types.PauseState{
		Paused:  false,
		Reason:  reason,
		Version: cur.Version + 1,
		Updated: ts,
	}
	audit := &types.PauseAuditEntry{
		Action:  "resume",
		Reason:  reason,
		Created: ts,
	}
	if err := g.pauseDB.SetPauseState(ctx, next, audit); err != nil {
		return nil, skerr.Wrap(err)
	}
	return next, nil
}

// QuiescePending returns true if running jobs should cancel at their next
// safe boundary.
func (g *Gate) QuiescePending(ctx context.Context) (bool, error) {
	s, err := g.pauseDB.GetPauseState(ctx)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return s.Paused && s.Mode == types.PauseModeQuiesce, nil
}
