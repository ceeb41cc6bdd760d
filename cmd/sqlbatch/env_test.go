package main

import (
	"testing"
	"time"

	"github.com/xraph/sqlbatch"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	def := sqlbatch.DefaultConfig()
	if cfg.PollInterval != def.PollInterval || cfg.MaxResultRows != def.MaxResultRows {
		t.Fatalf("config = %+v, want defaults", cfg)
	}
	if len(cfg.Hosts) != 0 {
		t.Fatalf("hosts = %v, want none", cfg.Hosts)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv(envHosts, "db-1, db-2,,")
	t.Setenv(envPollInterval, "250ms")
	t.Setenv(envMaxResultRows, "7")
	t.Setenv(envReapSchedule, "@every 1m")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Hosts) != 2 || cfg.Hosts[0] != "db-1" || cfg.Hosts[1] != "db-2" {
		t.Fatalf("hosts = %q", cfg.Hosts)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.MaxResultRows != 7 || cfg.ReapSchedule != "@every 1m" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{envPollInterval, "soon"},
		{envMaxResultRows, "many"},
		{envCancelRetries, "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := loadConfig(); err == nil {
				t.Fatalf("%s=%q accepted", tt.key, tt.value)
			}
		})
	}
}
