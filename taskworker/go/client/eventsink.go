package client

import (
	"context"
	"sync"
	"time"

	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	// Events are shipped when the batch is full or the flush interval
	// elapses, whichever comes first.
	sinkBatchSize     = 32
	sinkFlushInterval = 2 * time.Second
)

// EventAppender ships event batches to a job's log. Satisfied by Client.
type EventAppender interface {
	AppendEvents(ctx context.Context, jobId string, events []*types.Event) error
}

// EventSink batches worker events and ships them to the job's event log in
// order. Safe for concurrent use.
type EventSink struct {
	client EventAppender
	jobId  string

	mtx     sync.Mutex
	pending []*types.Event

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEventSink returns a running sink for the given job. Close it to flush
// the tail.
func NewEventSink(ctx context.Context, c EventAppender, jobId string) *EventSink {
	s := &EventSink{
		client:  c,
		jobId:   jobId,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

// Append queues one event for delivery.
func (s *EventSink) Append(level types.EventLevel, message string, payload types.EventPayload) {
	s.mtx.Lock()
	s.pending = append(s.pending, &types.Event{
		JobId:   s.jobId,
		Level:   level,
		Message: message,
		Payload: payload,
	})
	full := len(s.pending) >= sinkBatchSize
	s.mtx.Unlock()
	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Log queues a log-line event on the given stream.
func (s *EventSink) Log(level types.EventLevel, stream types.LogStream, message string) {
	s.Append(level, message, types.EventPayload{
		Kind:   types.EventKindLog,
		Stream: stream,
	})
}

// Stage queues a stage transition event.
func (s *EventSink) Stage(stage, status, message string) {
	s.Append(types.EventLevelInfo, message, types.EventPayload{
		Kind:   types.EventKindStage,
		Stage:  stage,
		Status: status,
	})
}

// Progress queues a progress event carrying counters.
func (s *EventSink) Progress(stage string, counters map[string]int64, message string) {
	s.Append(types.EventLevelInfo, message, types.EventPayload{
		Kind:     types.EventKindProgress,
		Stage:    stage,
		Counters: counters,
	})
}

// Flush ships everything queued so far, synchronously.
func (s *EventSink) Flush(ctx context.Context) {
	s.mtx.Lock()
	batch := s.pending
	s.pending = nil
	s.mtx.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.client.AppendEvents(ctx, s.jobId, batch); err != nil {
		// Dropped log events are not fatal to the job; they are advisory
		// next to the stage events emitted through the runner itself.
		sklog.Warningf("Failed to ship %d events for job %s: %s", len(batch), s.jobId, err)
	}
}

// Close flushes the tail and stops the background loop.
func (s *EventSink) Close(ctx context.Context) {
	close(s.done)
	s.wg.Wait()
	s.Flush(ctx)
}

func (s *EventSink) loop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(sinkFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.Flush(ctx)
		case <-s.flushCh:
			s.Flush(ctx)
		}
	}
}
