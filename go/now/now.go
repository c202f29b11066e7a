// Package now returns the current time in a way tests can override through
// the context.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is the context value key checked by Now. The value stored under
// it may be a fixed time.Time or a NowProvider. Most tests should use
// TimeTravelingContext instead of setting it directly.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is a function evaluated on every Now call with the context it
// was stored in. It must be safe for concurrent use if the context is shared
// across goroutines.
type NowProvider func() time.Time

// Now returns the time stored in the context, or the wall clock time if the
// context carries none.
func Now(ctx context.Context) time.Time {
	if v := ctx.Value(ContextKey); v != nil {
		switch t := v.(type) {
		case NowProvider:
			return t()
		case time.Time:
			return t
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", t))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a context whose apparent time can be moved during a test
// with SetTime. It satisfies context.Context and is passed anywhere the code
// under test calls now.Now.
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx rooted in the background
// context, starting at the given time.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: start,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime changes the time subsequent Now calls on this context will see.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = newTime
}

// WithContext rebases the embedded context on the given parent, keeping the
// traveling clock.
func (t *TimeTravelCtx) WithContext(ctx context.Context) *TimeTravelCtx {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.Context = context.WithValue(ctx, ContextKey, NowProvider(t.now))
	return t
}
