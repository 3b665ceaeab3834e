// Package stream delivers per-job event streams over SSE. Each subscriber
// receives a backfill from its cursor followed by a live tail, in per-job
// (createdAt, id) order. Subscribers that cannot keep up are disconnected
// and resume via cursor polling.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	sse "github.com/r3labs/sse/v2"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	// Per-subscriber buffer between the append path and the SSE writer.
	// A subscriber further behind than this is cut off.
	subscriberBuffer = 256

	// Page size used while backfilling from the cursor.
	backfillPage = 200
)

// Server fans appended events out to SSE subscribers.
type Server struct {
	events db.EventDB
	sse    *sse.Server

	mtx  sync.Mutex
	subs map[string]map[string]chan *types.Event // jobId -> subId -> chan
}

// New returns a stream Server reading backfill from the given EventDB. The
// returned server's Publish must be registered as an event listener on the
// queue.
func New(events db.EventDB) *Server {
	srv := sse.New()
	srv.AutoReplay = false
	return &Server{
		events: events,
		sse:    srv,
		subs:   map[string]map[string]chan *types.Event{},
	}
}

// Publish delivers a freshly appended event to all subscribers of its job.
// Called from the queue's append path, in append order.
func (s *Server) Publish(ev *types.Event) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for subId, ch := range s.subs[ev.JobId] {
		select {
		case ch <- ev:
		default:
			// Subscriber is too far behind; cut it off rather than
			// buffer without bound. It resumes via polling.
			sklog.Warningf("SSE subscriber %s for job %s fell behind; dropping.", subId, ev.JobId)
			close(ch)
			delete(s.subs[ev.JobId], subId)
		}
	}
}

func (s *Server) subscribe(jobId string) (string, chan *types.Event) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	subId := uuid.New().String()
	ch := make(chan *types.Event, subscriberBuffer)
	if s.subs[jobId] == nil {
		s.subs[jobId] = map[string]chan *types.Event{}
	}
	s.subs[jobId][subId] = ch
	return subId, ch
}

func (s *Server) unsubscribe(jobId, subId string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if ch, ok := s.subs[jobId][subId]; ok {
		close(ch)
		delete(s.subs[jobId], subId)
	}
	if len(s.subs[jobId]) == 0 {
		delete(s.subs, jobId)
	}
}

// ServeJob handles one SSE connection for the given job, starting from the
// given cursor.
func (s *Server) ServeJob(w http.ResponseWriter, r *http.Request, jobId string, cursor types.EventCursor) {
	ctx := r.Context()

	// Subscribe before backfilling so no event falls between the two;
	// duplicates across the seam are filtered by lastSent below.
	subId, live := s.subscribe(jobId)
	defer s.unsubscribe(jobId, subId)

	// Use a private stream per subscriber so each connection gets its own
	// ordered backfill + tail.
	streamId := jobId + ":" + subId
	s.sse.CreateStream(streamId)
	defer s.sse.RemoveStream(streamId)

	done := make(chan struct{})
	go func() {
		defer close(done)
		last, ok := s.backfill(ctx, jobId, streamId, cursor)
		if !ok {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if last != nil && !last.Before(ev) {
					continue
				}
				if !s.send(streamId, ev) {
					return
				}
				last = ev
			}
		}
	}()

	q := r.URL.Query()
	q.Set("stream", streamId)
	r.URL.RawQuery = q.Encode()
	s.sse.ServeHTTP(w, r)
	<-done
}

// backfill pages stored events into the stream, returning the last event
// sent.
func (s *Server) backfill(ctx context.Context, jobId, streamId string, cursor types.EventCursor) (*types.Event, bool) {
	var last *types.Event
	for {
		evs, err := s.events.ListEvents(ctx, jobId, cursor, backfillPage, false)
		if err != nil {
			sklog.Errorf("SSE backfill for job %s failed: %s", jobId, err)
			return last, false
		}
		for _, ev := range evs {
			if !s.send(streamId, ev) {
				return last, false
			}
			last = ev
		}
		if len(evs) < backfillPage {
			return last, true
		}
		tail := evs[len(evs)-1]
		cursor = types.EventCursor{After: tail.Created, AfterEventId: tail.Id}
	}
}

func (s *Server) send(streamId string, ev *types.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		sklog.Errorf("Failed to encode event %d for job %s: %s", ev.Id, ev.JobId, err)
		return false
	}
	s.sse.Publish(streamId, &sse.Event{
		ID:   []byte(strconv.FormatInt(ev.Id, 10)),
		Data: data,
	})
	return true
}
