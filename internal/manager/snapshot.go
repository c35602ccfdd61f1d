package manager

import (
	"sort"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
	"github.com/bc-dunia/snmpwatch/internal/threshold"
)

// ReadingStatus tells whether a polled object produced a value.
type ReadingStatus string

const (
	StatusAvailable   ReadingStatus = "available"
	StatusUnavailable ReadingStatus = "unavailable"
)

// Health bands of an engine.
const (
	HealthNormal   = "normal"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthUnknown  = "unknown"
)

// Reading is the outcome of polling one object.
type Reading struct {
	OID    string        `json:"oid"`
	Name   string        `json:"name,omitempty"`
	Units  string        `json:"units,omitempty"`
	Status ReadingStatus `json:"status"`
	Value  *snmp.Value   `json:"value,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Available reports whether the reading carries a value.
func (r Reading) Available() bool {
	return r.Status == StatusAvailable && r.Value != nil
}

// EngineSnapshot is the view of one agent after a poll.
type EngineSnapshot struct {
	EngineID  string             `json:"engine_id"`
	Host      string             `json:"host"`
	Port      int                `json:"port"`
	Reachable bool               `json:"reachable"`
	PolledAt  time.Time          `json:"polled_at"`
	SampledAt *time.Time         `json:"sampled_at,omitempty"`
	LatencyMs float64            `json:"latency_ms"`
	Attempts  int                `json:"attempts"`
	Health    string             `json:"health"`
	Error     string             `json:"error,omitempty"`
	Values    map[string]Reading `json:"values"`
}

// Value returns the polled value of oid, if available.
func (e *EngineSnapshot) Value(oid string) (snmp.Value, bool) {
	r, ok := e.Values[oid]
	if !ok || !r.Available() {
		return snmp.Value{}, false
	}
	return *r.Value, true
}

// Snapshot is the result of one poll cycle. It is never modified after it is
// published.
type Snapshot struct {
	Cycle   uint64                     `json:"cycle"`
	AsOf    time.Time                  `json:"as_of"`
	Engines map[string]*EngineSnapshot `json:"engines"`
}

// Engine returns the view of one engine.
func (s *Snapshot) Engine(engineID string) (*EngineSnapshot, bool) {
	e, ok := s.Engines[engineID]
	return e, ok
}

// EngineIDs returns the polled engines in sorted order.
func (s *Snapshot) EngineIDs() []string {
	ids := make([]string, 0, len(s.Engines))
	for id := range s.Engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unavailable counts engines that did not answer.
func (s *Snapshot) Unavailable() int {
	n := 0
	for _, e := range s.Engines {
		if !e.Reachable {
			n++
		}
	}
	return n
}

func unavailableReadings(reg *mib.Registry, oids []string, reason string) map[string]Reading {
	values := make(map[string]Reading, len(oids))
	for _, oid := range oids {
		r := newReading(reg, oid)
		r.Status = StatusUnavailable
		r.Error = reason
		values[oid] = r
	}
	return values
}

func newReading(reg *mib.Registry, oid string) Reading {
	r := Reading{OID: oid}
	if e, err := reg.Lookup(oid); err == nil {
		r.Name = e.Name
		r.Units = e.Units
	}
	return r
}

// health applies the thresholds to the engine's readings. An unreachable
// engine, or one missing a watched value, is unknown.
func health(e *EngineSnapshot, thresholds map[string]threshold.Threshold) string {
	if !e.Reachable || e.Error != "" {
		return HealthUnknown
	}
	sev := threshold.SeverityNormal
	for oid, t := range thresholds {
		v, ok := e.Value(oid)
		if !ok {
			return HealthUnknown
		}
		f, ok := v.Float()
		if !ok {
			return HealthUnknown
		}
		if s := t.Classify(f); s > sev {
			sev = s
		}
	}
	return sev.String()
}
