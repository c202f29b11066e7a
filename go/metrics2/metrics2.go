// Package metrics2 offers a minimal interface for metrics, backed by
// Prometheus. Metric names and tag keys are cleaned to conform to
// Prometheus's naming restrictions.
package metrics2

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.filafarm.org/infra/go/sklog"
)

// invalidChar is used to force metric and tag names to conform to
// Prometheus's restrictions.
var invalidChar = regexp.MustCompile(`([^a-zA-Z0-9_:])`)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a metric that has a single int64 value, e.g. a gauge.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

// Counter is a metric that can be incremented and decremented.
type Counter interface {
	Get() int64
	Inc(i int64)
	Dec(i int64)
	Reset()
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

// promCounter implements the Counter interface.
type promCounter struct {
	promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.gauge.Set(float64(atomic.AddInt64(&pc.i, i)))
}

func (pc *promCounter) Dec(i int64) {
	pc.gauge.Set(float64(atomic.AddInt64(&pc.i, -i)))
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

var (
	gaugeVecs  = map[string]*prometheus.GaugeVec{}
	gauges     = map[string]*promInt64{}
	gaugeMutex sync.Mutex
)

// getGauge returns the unique gauge for the given measurement and tags,
// creating and registering it on first use.
func getGauge(measurement string, tags ...map[string]string) *promInt64 {
	measurement = clean(measurement)

	merged := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			merged[clean(k)] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	gaugeKeyParts := []string{measurement}
	for _, k := range keys {
		gaugeKeyParts = append(gaugeKeyParts, k, merged[k])
	}
	gaugeKey := strings.Join(gaugeKeyParts, "-")
	vecKey := fmt.Sprintf("%s %s", measurement, strings.Join(keys, " "))

	gaugeMutex.Lock()
	defer gaugeMutex.Unlock()
	if g, ok := gauges[gaugeKey]; ok {
		return g
	}
	vec, ok := gaugeVecs[vecKey]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: measurement}, keys)
		if err := prometheus.Register(vec); err != nil {
			sklog.Errorf("Failed to register %q: %s", measurement, err)
		}
		gaugeVecs[vecKey] = vec
	}
	g := &promInt64{gauge: vec.With(prometheus.Labels(merged))}
	gauges[gaugeKey] = g
	return g
}

// GetInt64Metric returns an Int64Metric instance.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return getGauge(measurement, tags...)
}

// GetCounter returns a Counter instance.
func GetCounter(name string, tags ...map[string]string) Counter {
	return &promCounter{promInt64: promInt64{gauge: getGauge(name, tags...).gauge}}
}

// InitPrometheus initializes metrics to be reported to Prometheus on the
// given port, e.g. ":20000".
func InitPrometheus(port string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		sklog.Fatal(http.ListenAndServe(port, nil))
	}()
}
