// Package agent implements the UDP SNMP agent: a sampler that refreshes live
// values from a ValueSource, a GET handler, and threshold notifications.
package agent

import (
	"slices"
	"sync"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
)

// ValueSource produces the values an agent serves. The agent calls Refresh
// and Sample from its sampler goroutine only.
type ValueSource interface {
	// OIDs lists the objects served, in a stable order.
	OIDs() []string

	// Refresh recomputes every value for the tick at now. A source that
	// fails for some objects keeps their previous values and reports the
	// failure.
	Refresh(now time.Time) error

	// Sample returns the value computed by the last Refresh.
	Sample(oid string) (snmp.Value, bool)
}

// StaticSource serves values set by the caller. Set may be called
// concurrently with the sampler; the change is served after the next tick.
type StaticSource struct {
	mu     sync.RWMutex
	oids   []string
	values map[string]snmp.Value
}

// NewStaticSource creates a source serving values.
func NewStaticSource(values map[string]snmp.Value) *StaticSource {
	s := &StaticSource{values: make(map[string]snmp.Value, len(values))}
	for oid, v := range values {
		oid = mib.NormalizeOID(oid)
		s.oids = append(s.oids, oid)
		s.values[oid] = v
	}
	sortOIDs(s.oids)
	return s
}

// Set replaces the value of an object already served.
func (s *StaticSource) Set(oid string, v snmp.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid = mib.NormalizeOID(oid)
	if _, ok := s.values[oid]; ok {
		s.values[oid] = v
	}
}

func (s *StaticSource) OIDs() []string {
	return slices.Clone(s.oids)
}

func (s *StaticSource) Refresh(time.Time) error { return nil }

func (s *StaticSource) Sample(oid string) (snmp.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[oid]
	return v, ok
}

func sortOIDs(oids []string) {
	slices.SortFunc(oids, mib.CompareOIDs)
}
