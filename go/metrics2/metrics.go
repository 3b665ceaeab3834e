// Package metrics2 provides counters, timers, and liveness metrics backed by
// Prometheus. Metrics are registered lazily and cached by name+tags.
package metrics2

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.moonmind.dev/infra/go/sklog"
)

var (
	mtx      sync.Mutex
	counters = map[string]*counter{}
	gauges   = map[string]prometheus.Gauge{}
)

func key(name string, tags map[string]string) string {
	parts := make([]string, 0, len(tags)+1)
	parts = append(parts, name)
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts[1:])
	return strings.Join(parts, ",")
}

// Counter is a monotonically-observed running count which may be incremented
// and decremented.
type Counter interface {
	Inc(i int64)
	Dec(i int64)
	Get() int64
	Reset()
}

type counter struct {
	mtx   sync.Mutex
	value int64
	gauge prometheus.Gauge
}

func (c *counter) Inc(i int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.value += i
	c.gauge.Set(float64(c.value))
}

func (c *counter) Dec(i int64) {
	c.Inc(-i)
}

func (c *counter) Get() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.value
}

func (c *counter) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.value = 0
	c.gauge.Set(0)
}

func getGauge(name string, tags map[string]string) prometheus.Gauge {
	k := key(name, tags)
	if g, ok := gauges[k]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        strings.ReplaceAll(name, "-", "_"),
		ConstLabels: tags,
	})
	if err := prometheus.Register(g); err != nil {
		// Tests re-register the same metric; fall back to the existing one.
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(prometheus.Gauge)
		} else {
			sklog.Errorf("Failed to register metric %s: %s", name, err)
		}
	}
	gauges[k] = g
	return g
}

// GetCounter creates or retrieves a Counter with the given name and tags.
func GetCounter(name string, tags map[string]string) Counter {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if c, ok := counters[k]; ok {
		return c
	}
	c := &counter{gauge: getGauge(name, tags)}
	counters[k] = c
	return c
}

// Liveness keeps a time-since-last-successful-update metric.
type Liveness interface {
	Reset()
}

type liveness struct {
	mtx   sync.Mutex
	gauge prometheus.Gauge
	stop  chan struct{}
	reset func()
}

func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.reset()
}

// NewLiveness returns a Liveness which reports the number of seconds since
// the last call to Reset.
func NewLiveness(name string, tags map[string]string) Liveness {
	mtx.Lock()
	defer mtx.Unlock()
	l := &liveness{
		gauge: getGauge(name+"_s", tags),
		stop:  make(chan struct{}),
	}
	last := time.Now()
	var lastMtx sync.Mutex
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-t.C:
				lastMtx.Lock()
				l.gauge.Set(time.Since(last).Seconds())
				lastMtx.Unlock()
			}
		}
	}()
	l.reset = func() {
		lastMtx.Lock()
		defer lastMtx.Unlock()
		last = time.Now()
		l.gauge.Set(0)
	}
	return l
}

// Timer measures the duration of an operation:
//
//	defer metrics2.FuncTimer().Stop()
type Timer struct {
	start time.Time
	gauge prometheus.Gauge
}

// NewTimer starts a Timer reporting to the given metric name.
func NewTimer(name string, tags map[string]string) *Timer {
	mtx.Lock()
	defer mtx.Unlock()
	return &Timer{
		start: time.Now(),
		gauge: getGauge(name+"_ns", tags),
	}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.gauge.Set(float64(d.Nanoseconds()))
	return d
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
