package main

import (
	"log/slog"
	"testing"

	"github.com/bc-dunia/snmpwatch/internal/config"
)

func TestSelectAgents(t *testing.T) {
	all := config.Default().Agents

	got, err := selectAgents(all, "")
	if err != nil || len(got) != len(all) {
		t.Fatalf("selectAgents(all) = %d agents, %v", len(got), err)
	}

	got, err = selectAgents(all, " Engine-3, system ")
	if err != nil {
		t.Fatalf("selectAgents: %v", err)
	}
	if len(got) != 2 || got[0].EngineID != "Engine-3" || got[1].Kind != config.KindSystem {
		t.Errorf("selected = %+v", got)
	}

	if _, err := selectAgents(all, "Engine-9"); err == nil {
		t.Error("expected error for an unknown engine")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
