// Package threshold classifies readings into severity bands and tracks band
// transitions with hysteresis.
package threshold

import (
	"errors"
	"fmt"
	"sync"
)

// Severity is the band a reading falls in.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultHysteresis is the margin a reading must drop below a band's lower
// edge before the band is left.
const DefaultHysteresis = 2.0

// Threshold defines the warning and critical edges for one object.
type Threshold struct {
	Warning    float64 `mapstructure:"warning" json:"warning" yaml:"warning"`
	Critical   float64 `mapstructure:"critical" json:"critical" yaml:"critical"`
	Hysteresis float64 `mapstructure:"hysteresis" json:"hysteresis" yaml:"hysteresis"`
}

// Default returns the engine temperature thresholds.
func Default() Threshold {
	return Threshold{Warning: 80, Critical: 100, Hysteresis: DefaultHysteresis}
}

// Validate checks the band edges are ordered.
func (t Threshold) Validate() error {
	if t.Warning >= t.Critical {
		return fmt.Errorf("threshold: warning %.2f must be below critical %.2f", t.Warning, t.Critical)
	}
	if t.Hysteresis < 0 {
		return errors.New("threshold: hysteresis must not be negative")
	}
	return nil
}

// Classify returns the band of v with no memory of earlier readings.
func (t Threshold) Classify(v float64) Severity {
	switch {
	case v >= t.Critical:
		return SeverityCritical
	case v >= t.Warning:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

func (t Threshold) lower(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return t.Critical
	case SeverityWarning:
		return t.Warning
	default:
		return 0
	}
}

// Tracker remembers the current band of a reading. A band is entered as soon
// as the reading reaches its edge, and left only once the reading falls below
// edge minus hysteresis. Safe for concurrent use.
type Tracker struct {
	t Threshold

	mu      sync.Mutex
	current Severity
}

// NewTracker returns a tracker starting in the normal band.
func NewTracker(t Threshold) *Tracker {
	return &Tracker{t: t}
}

// Observe records v and returns the band it leaves the tracker in. raised is
// true when the band moved upward, which is when a notification is due.
func (tr *Tracker) Observe(v float64) (sev Severity, raised bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	next := tr.t.Classify(v)
	switch {
	case next > tr.current:
		tr.current = next
		return next, true
	case next < tr.current:
		// Step down one band at a time while below the hysteresis margin.
		for tr.current > next && v < tr.t.lower(tr.current)-tr.t.Hysteresis {
			tr.current--
		}
	}
	return tr.current, false
}

// Current returns the band without observing a reading.
func (tr *Tracker) Current() Severity {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.current
}

// Reset returns the tracker to the normal band.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	tr.current = SeverityNormal
	tr.mu.Unlock()
}
