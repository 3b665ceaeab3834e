// Package now provides a function to return the current time that is also
// easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. The value set
// may be a time.Time or a NowProvider.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is the type of function that can be passed as a context value;
// it is evaluated on every call to Now with that context. NowProvider must be
// threadsafe if the context is shared across goroutines.
type NowProvider func() time.Time

// Now returns the current time, or the time from the context if one was set.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx embeds a context carrying a NowProvider whose time can be
// advanced during a test:
//
//	ctx := now.TimeTravelingContext(context.Background(), start)
//	...
//	ctx.SetTime(start.Add(2 * time.Minute))
type TimeTravelCtx struct {
	context.Context
	mtx sync.RWMutex
	t   time.Time
}

// TimeTravelingContext returns a TimeTravelCtx set to the given time.
func TimeTravelingContext(parent context.Context, t time.Time) *TimeTravelCtx {
	rv := &TimeTravelCtx{t: t}
	rv.Context = context.WithValue(parent, ContextKey, NowProvider(rv.now))
	return rv
}

func (t *TimeTravelCtx) now() time.Time {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.t
}

// SetTime updates the apparent time returned by now.Now for this context.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.t = newTime
}

// Advance moves the apparent time forward by the given duration and returns
// the new time.
func (t *TimeTravelCtx) Advance(d time.Duration) time.Time {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.t = t.t.Add(d)
	return t.t
}
