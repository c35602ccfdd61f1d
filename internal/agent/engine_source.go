package agent

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
)

// EngineBase holds the nominal operating point of a simulated engine.
type EngineBase struct {
	Temperature float64
	RPM         float64
	Current     float64
	Power       float64
}

// EngineSource simulates an engine around its base values: slow thermal
// drift, faster oscillations and bounded jitter. Every value is clamped to
// its MIB bounds and moves at most max_delta per tick.
type EngineSource struct {
	reg   *mib.Registry
	base  EngineBase
	start time.Time
	rng   *rand.Rand

	mu     sync.RWMutex
	values map[string]snmp.Value
	prev   map[string]float64
	status int
}

// NewEngineSource creates an engine simulation. The same seed gives the
// same jitter sequence.
func NewEngineSource(reg *mib.Registry, base EngineBase, seed uint64, start time.Time) (*EngineSource, error) {
	for _, oid := range mib.EngineOIDs {
		if _, err := reg.Lookup(oid); err != nil {
			return nil, fmt.Errorf("engine source: %w", err)
		}
	}
	return &EngineSource{
		reg:    reg,
		base:   base,
		start:  start,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		values: make(map[string]snmp.Value, len(mib.EngineOIDs)),
		prev:   make(map[string]float64, len(mib.EngineOIDs)),
		status: mib.EngineStatusRunning,
	}, nil
}

func (s *EngineSource) OIDs() []string {
	out := make([]string, len(mib.EngineOIDs))
	copy(out, mib.EngineOIDs)
	return out
}

// SetStatus changes the engineStatus served from the next tick. status is
// one of the mib.EngineStatus values.
func (s *EngineSource) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *EngineSource) jitter(spread float64) float64 {
	return (s.rng.Float64()*2 - 1) * spread
}

func (s *EngineSource) Refresh(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := now.Sub(s.start).Seconds()

	temp := s.limit(mib.OIDEngineTemperature, 2,
		s.base.Temperature+5*math.Sin(2*math.Pi*t/3600)+0.3*math.Sin(t/60)+s.jitter(2))
	rpm := s.limit(mib.OIDEngineRPM, 0, s.base.RPM+200*math.Sin(t/30)+s.jitter(50))
	current := s.limit(mib.OIDEngineCurrent, 2, s.base.Current+2.5*math.Sin(t/45)+s.jitter(1))
	power := s.limit(mib.OIDEnginePower, 0, s.base.Power*(rpm/3000)*(current/20))

	s.set(mib.OIDEngineTemperature, temp)
	s.set(mib.OIDEngineRPM, rpm)
	s.set(mib.OIDEngineCurrent, current)
	s.set(mib.OIDEnginePower, power)
	s.set(mib.OIDEngineStatus, float64(s.status))
	s.set(mib.OIDEngineUptime, math.Max(t, 0)*100)
	return nil
}

// limit applies bounds and max_delta against the previous tick, then rounds
// to places decimals.
func (s *EngineSource) limit(oid string, places int, v float64) float64 {
	e, _ := s.reg.Lookup(oid)
	if prev, ok := s.prev[oid]; ok {
		v = e.Limit(prev, v)
	} else {
		v = e.Clamp(v)
	}
	v = round(v, places)
	s.prev[oid] = v
	return v
}

func (s *EngineSource) set(oid string, v float64) {
	e, _ := s.reg.Lookup(oid)
	s.values[oid] = snmp.Coerce(e.Type, e.Clamp(v))
}

func (s *EngineSource) Sample(oid string) (snmp.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[oid]
	return v, ok
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
