package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bc-dunia/snmpwatch/internal/agent"
	"github.com/bc-dunia/snmpwatch/internal/config"
	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML/JSON/TOML config file")
	only := flag.String("engines", "", "Comma-separated engine ids to run (default: all configured agents)")
	noTraps := flag.Bool("no-traps", false, "Do not send threshold notifications")
	diskPath := flag.String("disk-path", "/", "Filesystem reported by the system agent")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	agents, err := selectAgents(cfg.Agents, *only)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	logger := events.NewEventLoggerWithLevel("agent", hostname, os.Stdout, parseLevel(cfg.LogLevel))
	events.SetGlobalEventLogger(logger)

	reg, err := mib.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading MIB: %v\n", err)
		os.Exit(1)
	}

	trapAddr := ""
	if cfg.Traps.Enabled && !*noTraps {
		trapAddr = cfg.Traps.Addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fleet, err := agent.StartFleet(ctx, agent.FleetConfig{
		Agents:         agents,
		SampleInterval: cfg.SampleInterval,
		Thresholds:     cfg.Thresholds,
		TrapAddr:       trapAddr,
		TrapCommunity:  cfg.Traps.Community,
		DiskPath:       *diskPath,
		Registry:       reg,
		Transcript:     transcript.New(cfg.Transcript.Capacity),
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agents: %v\n", err)
		os.Exit(1)
	}

	for _, a := range fleet.Agents() {
		fmt.Printf("Agent %s listening on %s\n", a.EngineID(), a.Addr())
	}
	if trapAddr != "" {
		fmt.Printf("Traps: %s (warning %.1f, critical %.1f)\n", trapAddr, cfg.Thresholds.Warning, cfg.Thresholds.Critical)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down agents...")
	cancel()
	if err := fleet.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping agents: %v\n", err)
	}
	fmt.Println("Agents stopped")
}

// selectAgents filters agents to the comma-separated ids in only.
func selectAgents(agents []config.AgentConfig, only string) ([]config.AgentConfig, error) {
	if strings.TrimSpace(only) == "" {
		return agents, nil
	}
	byID := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		byID[a.EngineID] = a
	}
	var out []config.AgentConfig
	for _, id := range strings.Split(only, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown engine %q", id)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
