package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/sqlbatch"
)

// environment variable names
const (
	envRedisURL          = "SQLBATCH_REDIS_URL"
	envListen            = "SQLBATCH_LISTEN"
	envHosts             = "SQLBATCH_HOSTS"
	envPollInterval      = "SQLBATCH_POLL_INTERVAL"
	envHeartbeatInterval = "SQLBATCH_HEARTBEAT_INTERVAL"
	envStaleThreshold    = "SQLBATCH_STALE_THRESHOLD"
	envReapSchedule      = "SQLBATCH_REAP_SCHEDULE"
	envMaxResultRows     = "SQLBATCH_MAX_RESULT_ROWS"
	envJobTTL            = "SQLBATCH_JOB_TTL"
	envShutdownTimeout   = "SQLBATCH_SHUTDOWN_TIMEOUT"
	envCancelRetries     = "SQLBATCH_CANCEL_RETRIES"
	envCopyDrainTimeout  = "SQLBATCH_COPY_DRAIN_TIMEOUT"
	envPGSSLMode         = "SQLBATCH_PG_SSLMODE"
	envLogFormat         = "SQLBATCH_LOG_FORMAT"
	envLogLevel          = "SQLBATCH_LOG_LEVEL"
	envAudit             = "SQLBATCH_AUDIT"

	envServer     = "SQLBATCH_SERVER"
	envDBHost     = "SQLBATCH_DB_HOST"
	envDBPort     = "SQLBATCH_DB_PORT"
	envDBName     = "SQLBATCH_DB_NAME"
	envDBUser     = "SQLBATCH_DB_USER"
	envDBPassword = "SQLBATCH_DB_PASSWORD"
)

// getEnv returns the value of key, or fallback when it is unset.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(getEnv(key, "false"))
	return err == nil && b
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// loadConfig builds the scheduler configuration from the environment on
// top of the defaults.
func loadConfig() (sqlbatch.Config, error) {
	cfg := sqlbatch.DefaultConfig()
	cfg.Hosts = splitList(getEnv(envHosts, ""))
	cfg.ReapSchedule = getEnv(envReapSchedule, cfg.ReapSchedule)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envPollInterval, &cfg.PollInterval},
		{envHeartbeatInterval, &cfg.HeartbeatInterval},
		{envStaleThreshold, &cfg.StaleJobThreshold},
		{envJobTTL, &cfg.JobTTL},
		{envShutdownTimeout, &cfg.ShutdownTimeout},
		{envCopyDrainTimeout, &cfg.CopyDrainTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return cfg, err
		}
	}
	if cfg.MaxResultRows, err = envInt(envMaxResultRows, cfg.MaxResultRows); err != nil {
		return cfg, err
	}
	if cfg.CancelRetries, err = envInt(envCancelRetries, cfg.CancelRetries); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger picks the slog handler from SQLBATCH_LOG_FORMAT (text or json)
// and the level from SQLBATCH_LOG_LEVEL.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv(envLogLevel, "info"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(getEnv(envLogFormat, "text"), "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
