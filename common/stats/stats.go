// Package stats provides a minimal metrics interface backed by go-metrics.
// We wrap go-metrics so instrument creation and rendering stay in one place
// and so callers receive a StatsReceiver that can be passed down a call tree
// and scoped at each level:
//
//	stat.Scope("admission", poolName).Counter("totalAdmitted").Inc(1)
//
// Hierarchical names are stored using a '/' path separator. Variadic name
// elements passed to any method have '/' characters replaced by "_SLASH_"
// before they are used internally; counters are sometimes dynamically
// generated (e.g. from pool names) and stripping is better than panicking.
package stats

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Counter is a monotonically increasing event count.
type Counter interface {
	Inc(int64)
	Count() int64
	Clear()
}

// Gauge holds an int64 value that can be set arbitrarily.
type Gauge interface {
	Update(int64)
	Value() int64
}

// GaugeFloat holds a float64 value that can be set arbitrarily.
type GaugeFloat interface {
	Update(float64)
	Value() float64
}

// Histogram samples int64 observations.
type Histogram interface {
	Update(int64)
	Count() int64
	Mean() float64
	Max() int64
	Percentile(float64) float64
	Clear()
}

// Latency records callsite durations. The usual pattern is
// defer stat.Latency("admitLatency_ms").Time().Stop().
type Latency interface {
	Time() StopWatch
	Count() int64
}

// StopWatch finishes a single Latency observation.
type StopWatch interface {
	Stop()
}

// StatsReceiver is the registry handle handed to application code.
type StatsReceiver interface {
	// Scope returns a receiver that namespaces all instruments with the
	// given path elements.
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat
	Histogram(name ...string) Histogram
	Latency(name ...string) Latency

	// Remove unregisters the named instrument if it exists.
	Remove(name ...string)

	// Render marshals the registry contents to JSON.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver over a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver returns a receiver that drops all observations. Useful
// as a default so callers never have to nil-check their stats.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return nilStatsReceiver{}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scoped(name), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	g := s.registry.GetOrRegister(s.scoped(name), func() metrics.Gauge { return metrics.NewGauge() })
	return g.(metrics.Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	g := s.registry.GetOrRegister(s.scoped(name), func() metrics.GaugeFloat64 { return metrics.NewGaugeFloat64() })
	return g.(metrics.GaugeFloat64)
}

func (s *defaultStatsReceiver) Histogram(name ...string) Histogram {
	h := s.registry.GetOrRegister(s.scoped(name), func() metrics.Histogram {
		return metrics.NewHistogram(metrics.NewUniformSample(1028))
	})
	return &metricHistogram{h.(metrics.Histogram)}
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	t := s.registry.GetOrRegister(s.scoped(name), func() metrics.Timer { return metrics.NewTimer() })
	return &metricLatency{t.(metrics.Timer)}
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scoped(name))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	out := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.GaugeFloat64:
			out[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			out[name] = map[string]interface{}{
				"count": h.Count(),
				"mean":  h.Mean(),
				"max":   h.Max(),
				"p50":   h.Percentile(0.5),
				"p95":   h.Percentile(0.95),
			}
		case metrics.Timer:
			t := m.Snapshot()
			out[name] = map[string]interface{}{
				"count":   t.Count(),
				"mean_ms": t.Mean() / float64(time.Millisecond),
				"max_ms":  float64(t.Max()) / float64(time.Millisecond),
				"p95_ms":  t.Percentile(0.95) / float64(time.Millisecond),
			}
		}
	})
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(out, "", "  ")
	} else {
		b, err = json.Marshal(out)
	}
	if err != nil {
		return []byte("{}")
	}
	return b
}

func (s *defaultStatsReceiver) scoped(name []string) string {
	elems := append(append([]string{}, s.scope...), name...)
	for i, e := range elems {
		elems[i] = strings.Replace(e, "/", "_SLASH_", -1)
	}
	return strings.Join(elems, "/")
}

type metricHistogram struct {
	metrics.Histogram
}

func (h *metricHistogram) Mean() float64               { return h.Histogram.Snapshot().Mean() }
func (h *metricHistogram) Max() int64                  { return h.Histogram.Snapshot().Max() }
func (h *metricHistogram) Percentile(p float64) float64 { return h.Histogram.Snapshot().Percentile(p) }

type metricLatency struct {
	timer metrics.Timer
}

func (l *metricLatency) Count() int64 { return l.timer.Count() }

func (l *metricLatency) Time() StopWatch {
	return &stopWatch{timer: l.timer, start: time.Now()}
}

type stopWatch struct {
	timer metrics.Timer
	start time.Time
	once  sync.Once
}

func (s *stopWatch) Stop() {
	s.once.Do(func() { s.timer.UpdateSince(s.start) })
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(scope ...string) StatsReceiver  { return s }
func (s nilStatsReceiver) Counter(name ...string) Counter       { return nilCounter{} }
func (s nilStatsReceiver) Gauge(name ...string) Gauge           { return nilGauge{} }
func (s nilStatsReceiver) GaugeFloat(name ...string) GaugeFloat { return nilGaugeFloat{} }
func (s nilStatsReceiver) Histogram(name ...string) Histogram   { return nilHistogram{} }
func (s nilStatsReceiver) Latency(name ...string) Latency       { return nilLatency{} }
func (s nilStatsReceiver) Remove(name ...string)                {}
func (s nilStatsReceiver) Render(pretty bool) []byte            { return []byte("{}") }

type nilCounter struct{}

func (nilCounter) Inc(int64)   {}
func (nilCounter) Count() int64 { return 0 }
func (nilCounter) Clear()      {}

type nilGauge struct{}

func (nilGauge) Update(int64)  {}
func (nilGauge) Value() int64  { return 0 }

type nilGaugeFloat struct{}

func (nilGaugeFloat) Update(float64)  {}
func (nilGaugeFloat) Value() float64  { return 0 }

type nilHistogram struct{}

func (nilHistogram) Update(int64)                {}
func (nilHistogram) Count() int64                { return 0 }
func (nilHistogram) Mean() float64               { return 0 }
func (nilHistogram) Max() int64                  { return 0 }
func (nilHistogram) Percentile(float64) float64  { return 0 }
func (nilHistogram) Clear()                      {}

type nilLatency struct{}

func (nilLatency) Time() StopWatch { return nilStopWatch{} }
func (nilLatency) Count() int64    { return 0 }

type nilStopWatch struct{}

func (nilStopWatch) Stop() {}
