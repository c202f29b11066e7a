package metrics2

import (
	"context"
	"sync"
	"time"

	"go.filafarm.org/infra/go/now"
)

const measurementLiveness = "liveness"

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert set up that will fire if the liveness value gets too large.
type Liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mutex                sync.Mutex
}

// NewLiveness creates a new Liveness metric helper. The current value is
// reported at "liveness_<name>_s".
func NewLiveness(name string, tags ...map[string]string) *Liveness {
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric(measurementLiveness+"_"+name+"_s", tags...),
	}
	go func() {
		for range time.Tick(time.Second * 10) {
			l.update()
		}
	}()
	return l
}

// Get returns the current value of the Liveness.
func (l *Liveness) Get() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}

func (l *Liveness) update() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.ResetWithContext(context.Background())
}

// ResetWithContext is Reset using the clock from the given context, which
// keeps tests deterministic.
func (l *Liveness) ResetWithContext(ctx context.Context) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lastSuccessfulUpdate = now.Now(ctx)
	l.m.Update(0)
}
