package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/agent"
	"github.com/bc-dunia/snmpwatch/internal/api"
	"github.com/bc-dunia/snmpwatch/internal/config"
	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/manager"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/otel"
	"github.com/bc-dunia/snmpwatch/internal/sink"
	"github.com/bc-dunia/snmpwatch/internal/threshold"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
	"github.com/bc-dunia/snmpwatch/internal/traps"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML/JSON/TOML config file")
	addr := flag.String("addr", "", "HTTP API address (overrides api.addr)")
	withAgents := flag.Bool("with-agents", false, "Run the configured agents in this process")
	once := flag.Bool("once", false, "Poll once, print the summary and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}

	hostname, _ := os.Hostname()
	logger := events.NewEventLoggerWithLevel("manager", hostname, os.Stdout, parseLevel(cfg.LogLevel))
	events.SetGlobalEventLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, shutdownTelemetry, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up telemetry: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	reg, err := mib.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading MIB: %v\n", err)
		os.Exit(1)
	}
	log := transcript.New(cfg.Transcript.Capacity)
	collector := metrics.NewCollector()
	collector.SetTranscriptProvider(log)
	reach := metrics.NewReachabilityTracker()

	// The receiver binds before any in-process agent can raise a trap.
	var receiver *traps.Receiver
	if cfg.Traps.Enabled && !*once {
		receiver = traps.NewReceiver(traps.ReceiverConfig{
			Addr:       cfg.Traps.Addr,
			Community:  cfg.Traps.Community,
			Registry:   reg,
			Transcript: log,
			Logger:     logger,
			Metrics:    collector,
		})
		if cfg.AMQP.URL != "" {
			pub, err := sink.NewTrapPublisher(sink.AMQPConfig{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, Logger: logger})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error connecting to AMQP: %v\n", err)
				os.Exit(1)
			}
			defer pub.Close()
			receiver.AddHandler(pub.Handle)
			fmt.Printf("Publishing traps to queue %s\n", cfg.AMQP.Queue)
		}
		if err := receiver.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting trap receiver: %v\n", err)
			os.Exit(1)
		}
		go printTraps(receiver.Packets())
		fmt.Printf("Trap receiver listening on %s\n", cfg.Traps.Addr)
	}

	var fleet *agent.Fleet
	if *withAgents {
		trapAddr := ""
		if cfg.Traps.Enabled {
			trapAddr = cfg.Traps.Addr
		}
		fleet, err = agent.StartFleet(ctx, agent.FleetConfig{
			Agents:         cfg.Agents,
			SampleInterval: cfg.SampleInterval,
			Thresholds:     cfg.Thresholds,
			TrapAddr:       trapAddr,
			TrapCommunity:  cfg.Traps.Community,
			Registry:       reg,
			Transcript:     log,
			Logger:         logger,
			Metrics:        collector,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start agents: %v\n", err)
			os.Exit(1)
		}
		defer fleet.Close()
		for _, a := range fleet.Agents() {
			fmt.Printf("Agent %s listening on %s\n", a.EngineID(), a.Addr())
		}
	}

	base := manager.Config{
		Timeout:      cfg.Manager.Timeout,
		Retries:      cfg.Manager.Retries,
		RetryDelay:   cfg.Manager.RetryDelay,
		Registry:     reg,
		Transcript:   log,
		Logger:       logger,
		Metrics:      collector,
		Reachability: reach,
	}

	engCfg := base
	engCfg.Name = "engines"
	engCfg.Targets = targetsOf(cfg.AgentsOfKind(config.KindEngine))
	engCfg.OIDs = mib.EngineOIDs
	engCfg.Thresholds = map[string]threshold.Threshold{mib.OIDEngineTemperature: cfg.Thresholds}
	engines, err := manager.New(engCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine manager: %v\n", err)
		os.Exit(1)
	}
	defer engines.Close()
	collector.AddSnapshotProvider(engines)

	var system *manager.Manager
	if sysTargets := targetsOf(cfg.AgentsOfKind(config.KindSystem)); len(sysTargets) > 0 {
		sysCfg := base
		sysCfg.Name = "system"
		sysCfg.Targets = sysTargets
		sysCfg.OIDs = mib.SystemOIDs
		system, err = manager.New(sysCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating system manager: %v\n", err)
			os.Exit(1)
		}
		defer system.Close()
		collector.AddSnapshotProvider(system)
	}

	if cfg.Influx.URL != "" {
		influx, err := sink.NewInfluxSink(sink.InfluxConfig{
			URL:         cfg.Influx.URL,
			Database:    cfg.Influx.Database,
			Measurement: cfg.Influx.Measurement,
			Username:    cfg.Influx.Username,
			Password:    cfg.Influx.Password,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating InfluxDB sink: %v\n", err)
			os.Exit(1)
		}
		engines.AddSink(influx)
		if system != nil {
			system.AddSink(influx)
		}
		fmt.Printf("Exporting snapshots to InfluxDB %s/%s\n", cfg.Influx.URL, cfg.Influx.Database)
	}

	if *once {
		snap, err := engines.PollOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Poll failed: %v\n", err)
			os.Exit(1)
		}
		printSummary(snap)
		return
	}

	server, err := api.NewServer(api.Config{
		Addr:         cfg.API.Addr,
		Service:      "snmp-manager",
		Engines:      engines,
		System:       sourceOrNil(system),
		Poller:       engines,
		Transcript:   log,
		Registry:     reg,
		Metrics:      collector,
		Reachability: reach,
		Tracer:       tracer,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating API server: %v\n", err)
		os.Exit(1)
	}
	server.SetRateLimiterConfig(&api.RateLimiterConfig{
		RequestsPerSecond: cfg.API.RateLimit,
		BurstSize:         cfg.API.Burst,
		Enabled:           cfg.API.RateLimit > 0,
	})
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting API server: %v\n", err)
		os.Exit(1)
	}

	if err := engines.StartPolling(cfg.Manager.Interval); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting polling: %v\n", err)
		os.Exit(1)
	}
	if system != nil {
		if err := system.StartPolling(cfg.Manager.SystemInterval); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting system polling: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("SNMP manager polling %d engine(s) every %s\n", len(engCfg.Targets), cfg.Manager.Interval)
	fmt.Printf("API: %s\n", server.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down manager...")
	_ = engines.StopPolling()
	if system != nil {
		_ = system.StopPolling()
	}
	if receiver != nil {
		receiver.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown error: %v\n", err)
	}
	fmt.Println("Manager stopped")
}

// targetsOf converts configured agents to poll targets.
func targetsOf(agents []config.AgentConfig) []manager.Target {
	out := make([]manager.Target, 0, len(agents))
	for _, a := range agents {
		out = append(out, manager.Target{
			EngineID:  a.EngineID,
			Host:      a.Host,
			Port:      a.Port,
			Community: a.Community,
		})
	}
	return out
}

// sourceOrNil keeps a nil *Manager from becoming a non-nil interface.
func sourceOrNil(m *manager.Manager) api.SnapshotSource {
	if m == nil {
		return nil
	}
	return m
}

// setupTelemetry installs the global tracer and OTel metrics named by cfg.
// The returned func flushes and shuts both down.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*otel.Tracer, func(), error) {
	tcfg := otel.DefaultTraceConfig()
	tcfg.ServiceName = cfg.ServiceName
	tcfg.OTLPEndpoint = cfg.Endpoint
	tcfg.OTLPInsecure = true
	if cfg.TracesExporter != "" && cfg.TracesExporter != string(otel.ExporterNone) {
		tcfg.Enabled = true
		tcfg.ExporterType = otel.ExporterType(cfg.TracesExporter)
	}
	tracer, err := otel.NewTracer(ctx, tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}
	otel.SetGlobalTracer(tracer)

	mcfg := otel.DefaultMetricsConfig()
	mcfg.ServiceName = cfg.ServiceName
	mcfg.OTLPEndpoint = cfg.Endpoint
	mcfg.OTLPInsecure = true
	if cfg.MetricsExporter != "" && cfg.MetricsExporter != string(otel.ExporterNone) {
		mcfg.Enabled = true
		mcfg.ExporterType = otel.ExporterType(cfg.MetricsExporter)
	}
	om, err := otel.NewMetrics(ctx, mcfg)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	otel.SetGlobalMetrics(om)

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = om.Shutdown(sctx)
		_ = tracer.Shutdown(sctx)
	}
	return tracer, shutdown, nil
}

func printSummary(snap *manager.Snapshot) {
	sum := manager.Summarize(snap)
	fmt.Printf("Engines: %d total, %d running, %d reachable\n", sum.TotalEngines, sum.RunningEngines, sum.ReachableEngines)
	fmt.Printf("Average temperature: %.1f C, average power: %.0f W\n", sum.AvgTemperature, sum.AvgPower)
	for _, id := range snap.EngineIDs() {
		e := snap.Engines[id]
		fmt.Printf("  %-10s %-8s reachable=%v attempts=%d %s\n", id, e.Health, e.Reachable, e.Attempts, e.Error)
	}
}

func printTraps(packets <-chan traps.Packet) {
	for p := range packets {
		fmt.Printf("TRAP [%s] %s %s value=%s\n", p.Trap.Severity, p.Trap.EngineID, p.Trap.TrapName, p.Trap.Value)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
