package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/config"
	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/threshold"
	"github.com/bc-dunia/snmpwatch/internal/traps"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

const trapSendTimeout = time.Second

// FleetConfig describes a set of agents run by one process.
type FleetConfig struct {
	Agents         []config.AgentConfig
	SampleInterval time.Duration
	// Thresholds bands engineTemperature on engine agents.
	Thresholds threshold.Threshold
	// TrapAddr enables notifications when set.
	TrapAddr      string
	TrapCommunity string
	// DiskPath is the filesystem the system agent reports on.
	DiskPath string

	Registry   *mib.Registry
	Transcript *transcript.Log
	Logger     *events.EventLogger
	Metrics    *metrics.Collector
}

// Fleet owns started agents and their shared trap sender.
type Fleet struct {
	agents []*Agent
	sender *traps.Sender
}

// StartFleet builds and starts every configured agent. If one fails, the
// ones already started are closed.
func StartFleet(ctx context.Context, cfg FleetConfig) (*Fleet, error) {
	if cfg.Registry == nil {
		reg, err := mib.Default()
		if err != nil {
			return nil, err
		}
		cfg.Registry = reg
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}

	f := &Fleet{}
	if cfg.TrapAddr != "" {
		sender, err := traps.NewSender(cfg.TrapAddr, cfg.TrapCommunity, trapSendTimeout)
		if err != nil {
			return nil, err
		}
		f.sender = sender
	}

	now := time.Now()
	for _, ac := range cfg.Agents {
		a, err := f.build(cfg, ac, now)
		if err == nil {
			err = a.Start(ctx)
		}
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		f.agents = append(f.agents, a)
	}
	return f, nil
}

func (f *Fleet) build(cfg FleetConfig, ac config.AgentConfig, now time.Time) (*Agent, error) {
	acfg := Config{
		EngineID:       ac.EngineID,
		Host:           ac.Host,
		Port:           ac.Port,
		Community:      ac.Community,
		SampleInterval: cfg.SampleInterval,
		Registry:       cfg.Registry,
		Transcript:     cfg.Transcript,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	}
	switch ac.Kind {
	case config.KindSystem:
		acfg.Source = NewSystemSource(cfg.DiskPath, now)
	case config.KindEngine, "":
		base := EngineBase{
			Temperature: ac.Base.Temperature,
			RPM:         ac.Base.RPM,
			Current:     ac.Base.Current,
			Power:       ac.Base.Power,
		}
		src, err := NewEngineSource(cfg.Registry, base, ac.Seed, now)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.EngineID, err)
		}
		acfg.Source = src
		acfg.Thresholds = map[string]threshold.Threshold{mib.OIDEngineTemperature: cfg.Thresholds}
	default:
		return nil, fmt.Errorf("agent %s: unknown kind %q", ac.EngineID, ac.Kind)
	}
	if f.sender != nil {
		acfg.Traps = f.sender
	}
	return New(acfg)
}

// Agents returns the started agents in configuration order.
func (f *Fleet) Agents() []*Agent {
	return f.agents
}

// Close stops every agent, then the trap sender.
func (f *Fleet) Close() error {
	var errs []error
	for _, a := range f.agents {
		if err := a.Close(); err != nil && !errors.Is(err, ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	f.agents = nil
	if f.sender != nil {
		errs = append(errs, f.sender.Close())
		f.sender = nil
	}
	return errors.Join(errs...)
}
