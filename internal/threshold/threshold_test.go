package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	th := Default()
	tests := []struct {
		v    float64
		want Severity
	}{
		{45, SeverityNormal},
		{79.99, SeverityNormal},
		{80, SeverityWarning},
		{99.9, SeverityWarning},
		{100, SeverityCritical},
		{130, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.v), "value %v", tt.v)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
	assert.Error(t, Threshold{Warning: 100, Critical: 100}.Validate())
	assert.Error(t, Threshold{Warning: 80, Critical: 100, Hysteresis: -1}.Validate())
}

func TestTrackerRaisesOnceAndHonoursHysteresis(t *testing.T) {
	tr := NewTracker(Default())

	steps := []struct {
		v      float64
		sev    Severity
		raised bool
	}{
		{70, SeverityNormal, false},
		{81, SeverityWarning, true},
		{85, SeverityWarning, false},
		// Inside the hysteresis margin: stay in warning.
		{79, SeverityWarning, false},
		{78.5, SeverityWarning, false},
		{77, SeverityNormal, false},
		{80.5, SeverityWarning, true},
		{101, SeverityCritical, true},
		{102, SeverityCritical, false},
		{99, SeverityCritical, false},
		{97, SeverityWarning, false},
		{103, SeverityCritical, true},
		// A drop straight to normal leaves both bands.
		{50, SeverityNormal, false},
	}
	for i, s := range steps {
		sev, raised := tr.Observe(s.v)
		assert.Equal(t, s.sev, sev, "step %d value %v", i, s.v)
		assert.Equal(t, s.raised, raised, "step %d value %v", i, s.v)
	}
}

func TestTrackerCriticalDropInsideWarningMargin(t *testing.T) {
	tr := NewTracker(Default())
	tr.Observe(105)
	// Below critical-hysteresis but inside warning: one band down.
	sev, raised := tr.Observe(90)
	assert.Equal(t, SeverityWarning, sev)
	assert.False(t, raised)
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(Default())
	tr.Observe(120)
	assert.Equal(t, SeverityCritical, tr.Current())
	tr.Reset()
	assert.Equal(t, SeverityNormal, tr.Current())
	_, raised := tr.Observe(120)
	assert.True(t, raised)
}

func TestSeverityText(t *testing.T) {
	b, err := SeverityCritical.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "critical", string(b))
	assert.Equal(t, "warning", SeverityWarning.String())
}
