package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/jobqueue/go/db/memory"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPublish_FanOut(t *testing.T) {
	s := New(memory.New())
	_, ch1 := s.subscribe("j1")
	_, ch2 := s.subscribe("j1")
	_, other := s.subscribe("j2")

	ev := &types.Event{JobId: "j1", Id: 1, Message: "hello"}
	s.Publish(ev)

	require.Equal(t, ev, <-ch1)
	require.Equal(t, ev, <-ch2)
	select {
	case got := <-other:
		t.Fatalf("subscriber for j2 received %v", got)
	default:
	}
}

func TestPublish_DropsSlowSubscriber(t *testing.T) {
	s := New(memory.New())
	subId, ch := s.subscribe("j1")

	// Fill the buffer and then one more; the subscriber is cut off and its
	// channel closed.
	for i := 0; i <= subscriberBuffer; i++ {
		s.Publish(&types.Event{JobId: "j1", Id: int64(i + 1)})
	}
	s.mtx.Lock()
	_, stillThere := s.subs["j1"][subId]
	s.mtx.Unlock()
	require.False(t, stillThere)

	// Drain: the channel must be closed after the buffered events.
	n := 0
	for range ch {
		n++
	}
	require.Equal(t, subscriberBuffer, n)
}

func TestUnsubscribe(t *testing.T) {
	s := New(memory.New())
	subId, ch := s.subscribe("j1")
	s.unsubscribe("j1", subId)
	_, open := <-ch
	require.False(t, open)

	// Publishing to a job with no subscribers is a no-op.
	s.Publish(&types.Event{JobId: "j1", Id: 1})
}

func TestBackfill_PagesFromCursor(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testTime)
	d := memory.New()
	s := New(d)
	s.sse.CreateStream("test")
	defer s.sse.RemoveStream("test")

	var all []*types.Event
	for i := 0; i < backfillPage+10; i++ {
		ctx.Advance(time.Millisecond)
		ev, err := d.AppendEvent(ctx, &types.Event{JobId: "j1"})
		require.NoError(t, err)
		all = append(all, ev)
	}

	last, ok := s.backfill(ctx, "j1", "test", types.EventCursor{})
	require.True(t, ok)
	require.Equal(t, all[len(all)-1].Id, last.Id)

	// Resuming from a mid-log cursor only replays the tail.
	mid := all[backfillPage]
	last, ok = s.backfill(ctx, "j1", "test", types.EventCursor{
		After:        mid.Created,
		AfterEventId: mid.Id,
	})
	require.True(t, ok)
	require.Equal(t, all[len(all)-1].Id, last.Id)

	// An empty log backfills nothing.
	last, ok = s.backfill(ctx, "j2", "test", types.EventCursor{})
	require.True(t, ok)
	require.Nil(t, last)
}
