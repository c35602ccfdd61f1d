// Package metrics provides Prometheus metrics exposition for snmpwatch.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snmpwatch"

// ValueSample is one numeric object from the latest snapshot.
type ValueSample struct {
	EngineID string
	OID      string
	Name     string
	Value    float64
}

// EngineSample is the reachability and health of one polled engine.
type EngineSample struct {
	EngineID  string
	Reachable bool
	Health    string
}

// SnapshotProvider provides access to the latest snapshot for metrics collection.
type SnapshotProvider interface {
	MetricSamples() ([]EngineSample, []ValueSample)
}

// TranscriptProvider provides access to transcript ring sizes.
type TranscriptProvider interface {
	Engines() []string
	Len(engineID string) int
	Dropped(engineID string) uint64
}

// Collector collects and exposes snmpwatch metrics in Prometheus format.
// Event counters are updated on the hot path; snapshot and transcript
// metrics are read from their providers at scrape time. Safe for concurrent
// use. A nil *Collector ignores every Record call.
type Collector struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	traps        *prometheus.CounterVec
	pollCycles   prometheus.Counter
	pollDuration prometheus.Histogram

	mu                 sync.RWMutex
	snapshotProviders  []SnapshotProvider
	transcriptProvider TranscriptProvider

	valueDesc        *prometheus.Desc
	engineUpDesc     *prometheus.Desc
	engineHealthDesc *prometheus.Desc
	ringEntriesDesc  *prometheus.Desc
	ringDroppedDesc  *prometheus.Desc
}

// NewCollector creates a new metrics Collector with its own registry,
// including the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "GET exchanges by engine and result.",
		}, []string{"engine", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "SNMP errors by engine and code.",
		}, []string{"engine", "code"}),
		traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_total",
			Help:      "Threshold traps by engine, severity and direction.",
		}, []string{"engine", "severity", "direction"}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll cycles.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		valueDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "value"),
			"Latest polled value of a numeric MIB object.",
			[]string{"engine", "oid", "name"}, nil,
		),
		engineUpDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "up"),
			"1 if the engine answered the last poll.",
			[]string{"engine"}, nil,
		),
		engineHealthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "health"),
			"Engine health band; the active band is 1.",
			[]string{"engine", "health"}, nil,
		),
		ringEntriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcript", "entries"),
			"Entries retained in an engine's transcript ring.",
			[]string{"engine"}, nil,
		),
		ringDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcript", "dropped_total"),
			"Transcript entries overwritten because the ring was full.",
			[]string{"engine"}, nil,
		),
	}

	c.registry.MustRegister(
		c.requests,
		c.errors,
		c.traps,
		c.pollCycles,
		c.pollDuration,
		(*providerCollector)(c),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// AddSnapshotProvider adds a snapshot source read at scrape time.
func (c *Collector) AddSnapshotProvider(p SnapshotProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotProviders = append(c.snapshotProviders, p)
}

// SetTranscriptProvider sets the transcript read at scrape time.
func (c *Collector) SetTranscriptProvider(p TranscriptProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcriptProvider = p
}

// RecordRequest counts one GET exchange. code is empty on success.
func (c *Collector) RecordRequest(engineID, code string) {
	if c == nil {
		return
	}
	if code == "" {
		c.requests.WithLabelValues(engineID, "ok").Inc()
		return
	}
	c.requests.WithLabelValues(engineID, "error").Inc()
	c.errors.WithLabelValues(engineID, code).Inc()
}

// RecordError counts an error that is not tied to a completed exchange,
// such as a malformed datagram.
func (c *Collector) RecordError(engineID, code string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(engineID, code).Inc()
}

// RecordTrap counts a trap. direction is "sent" or "received".
func (c *Collector) RecordTrap(engineID, severity, direction string) {
	if c == nil {
		return
	}
	c.traps.WithLabelValues(engineID, severity, direction).Inc()
}

// RecordPollCycle counts a finished cycle and observes its duration.
func (c *Collector) RecordPollCycle(d time.Duration) {
	if c == nil {
		return
	}
	c.pollCycles.Inc()
	c.pollDuration.Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// providerCollector exports provider-backed metrics at scrape time.
type providerCollector Collector

var healthBands = []string{"normal", "warning", "critical", "unknown"}

func (pc *providerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.valueDesc
	ch <- pc.engineUpDesc
	ch <- pc.engineHealthDesc
	ch <- pc.ringEntriesDesc
	ch <- pc.ringDroppedDesc
}

func (pc *providerCollector) Collect(ch chan<- prometheus.Metric) {
	pc.mu.RLock()
	providers := append([]SnapshotProvider(nil), pc.snapshotProviders...)
	transcript := pc.transcriptProvider
	pc.mu.RUnlock()

	for _, p := range providers {
		engines, values := p.MetricSamples()
		for _, e := range engines {
			up := 0.0
			if e.Reachable {
				up = 1
			}
			ch <- prometheus.MustNewConstMetric(pc.engineUpDesc, prometheus.GaugeValue, up, e.EngineID)
			for _, band := range healthBands {
				v := 0.0
				if band == e.Health {
					v = 1
				}
				ch <- prometheus.MustNewConstMetric(pc.engineHealthDesc, prometheus.GaugeValue, v, e.EngineID, band)
			}
		}
		for _, v := range values {
			ch <- prometheus.MustNewConstMetric(pc.valueDesc, prometheus.GaugeValue, v.Value, v.EngineID, v.OID, v.Name)
		}
	}

	if transcript != nil {
		for _, id := range transcript.Engines() {
			ch <- prometheus.MustNewConstMetric(pc.ringEntriesDesc, prometheus.GaugeValue, float64(transcript.Len(id)), id)
			ch <- prometheus.MustNewConstMetric(pc.ringDroppedDesc, prometheus.CounterValue, float64(transcript.Dropped(id)), id)
		}
	}
}
