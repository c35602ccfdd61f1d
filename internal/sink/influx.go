// Package sink exports manager snapshots and received traps to external
// systems.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	client "github.com/influxdata/influxdb1-client"

	"github.com/bc-dunia/snmpwatch/internal/manager"
	"github.com/bc-dunia/snmpwatch/internal/mib"
)

const (
	defaultInfluxTimeout = 5 * time.Second
	influxPrecision      = "ms"
)

// InfluxConfig configures an InfluxSink.
type InfluxConfig struct {
	URL         string
	Database    string
	Measurement string
	Username    string
	Password    string
	Timeout     time.Duration
}

// InfluxSink writes one point per engine for every snapshot.
type InfluxSink struct {
	cfg    InfluxConfig
	client *client.Client
}

func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx: url is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("influx: database is required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "snmp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultInfluxTimeout
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("influx: parse url: %w", err)
	}
	c, err := client.NewClient(client.Config{
		URL:      *u,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("influx: %w", err)
	}
	return &InfluxSink{cfg: cfg, client: c}, nil
}

func (s *InfluxSink) Name() string { return "influx" }

// WriteSnapshot writes the snapshot as a single batch.
func (s *InfluxSink) WriteSnapshot(ctx context.Context, snap *manager.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	points := s.points(snap)
	if len(points) == 0 {
		return nil
	}
	_, err := s.client.Write(client.BatchPoints{
		Points:    points,
		Database:  s.cfg.Database,
		Precision: influxPrecision,
	})
	if err != nil {
		return fmt.Errorf("influx: write %d points: %w", len(points), err)
	}
	return nil
}

// points converts a snapshot to one point per engine. Unavailable readings
// are left out rather than written as zero.
func (s *InfluxSink) points(snap *manager.Snapshot) []client.Point {
	points := make([]client.Point, 0, len(snap.Engines))
	for _, id := range snap.EngineIDs() {
		e := snap.Engines[id]
		fields := map[string]interface{}{
			"reachable":  e.Reachable,
			"latency_ms": e.LatencyMs,
			"attempts":   e.Attempts,
		}
		for oid, r := range e.Values {
			if !r.Available() {
				continue
			}
			name := r.Name
			if name == "" {
				name = oid
			}
			if r.Value.Type == mib.TypeOctetString {
				fields[name] = r.Value.Text
			} else {
				fields[name] = r.Value.Num
			}
		}
		tags := map[string]string{
			"engine_id": e.EngineID,
			"host":      e.Host,
			"health":    e.Health,
		}
		if e.Error != "" {
			tags["error"] = e.Error
		}
		points = append(points, client.Point{
			Measurement: s.cfg.Measurement,
			Tags:        tags,
			Time:        snap.AsOf,
			Fields:      fields,
			Precision:   influxPrecision,
		})
	}
	return points
}
