// Package livesession observes operator intervention on a running job: the
// control channel (pause/resume/takeover) and operator messages, both of
// which arrive as events on the job's log.
package livesession

import (
	"context"
	"sync"
	"time"

	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	pollInterval = 3 * time.Second
	pollPage     = 100
)

// EventLister is the slice of the queue client the monitor needs.
type EventLister interface {
	ListEvents(ctx context.Context, jobId string, cursor types.EventCursor, limit int) ([]*types.Event, error)
}

// Monitor tails a job's event log for operator control events. One Monitor
// per running job.
type Monitor struct {
	queue EventLister
	jobId string

	mtx       sync.Mutex
	cursor    types.EventCursor
	paused    bool
	takenOver bool
	messages  []string

	// onTakeover, if set, fires once when an operator takes over the run.
	onTakeover func()
	fired      bool
}

// NewMonitor returns a Monitor for the job. onTakeover may be nil.
func NewMonitor(queue EventLister, jobId string, onTakeover func()) *Monitor {
	return &Monitor{
		queue:      queue,
		jobId:      jobId,
		onTakeover: onTakeover,
	}
}

// Start polls until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Poll(ctx); err != nil {
					sklog.Warningf("Live session poll for job %s failed: %s", m.jobId, err)
				}
			}
		}
	}()
}

// Poll fetches new events once and applies any control intents.
func (m *Monitor) Poll(ctx context.Context) error {
	m.mtx.Lock()
	cursor := m.cursor
	m.mtx.Unlock()
	for {
		events, err := m.queue.ListEvents(ctx, m.jobId, cursor, pollPage)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			m.apply(ev)
		}
		tail := events[len(events)-1]
		cursor = types.EventCursor{After: tail.Created, AfterEventId: tail.Id}
		m.mtx.Lock()
		m.cursor = cursor
		m.mtx.Unlock()
		if len(events) < pollPage {
			return nil
		}
	}
}

func (m *Monitor) apply(ev *types.Event) {
	if ev.Payload.Kind != types.EventKindStage {
		return
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	switch ev.Payload.Stage {
	case "operator_control":
		switch ev.Payload.Extra["action"] {
		case "pause":
			m.paused = true
		case "resume":
			m.paused = false
		case "takeover":
			m.takenOver = true
			if m.onTakeover != nil && !m.fired {
				m.fired = true
				go m.onTakeover()
			}
		}
	case "operator_message":
		m.messages = append(m.messages, ev.Message)
	}
}

// Paused reports whether an operator has paused the run.
func (m *Monitor) Paused() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.paused
}

// TakenOver reports whether an operator has taken over the run.
func (m *Monitor) TakenOver() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.takenOver
}

// Messages drains the operator messages received so far.
func (m *Monitor) Messages() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rv := m.messages
	m.messages = nil
	return rv
}
