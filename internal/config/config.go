package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "benchfleet.db"
	defaultRuntime        = "podman"
	defaultWorkers        = 1
	defaultWorkerCores    = 4
	defaultWorkerMemory   = 8 << 30
	defaultStdoutCap      = 64 << 10
	defaultHeartbeatEvery = 5 * time.Second
	defaultHeartbeatStale = 30 * time.Second
	defaultCancelGrace    = 10 * time.Second
	defaultSweepInterval  = time.Second
	defaultPokeInterval   = 15 * time.Second
	defaultCgroupRoot     = "/sys/fs/cgroup/benchfleet"

	envListenAddr     = "BENCHFLEET_LISTEN_ADDR"
	envDBPath         = "BENCHFLEET_DB_PATH"
	envLogLevel       = "BENCHFLEET_LOG_LEVEL"
	envRuntime        = "BENCHFLEET_RUNTIME"
	envWorkers        = "BENCHFLEET_WORKERS"
	envWorkerCores    = "BENCHFLEET_WORKER_CORES"
	envWorkerMemory   = "BENCHFLEET_WORKER_MEMORY_BYTES"
	envStdoutCap      = "BENCHFLEET_STDOUT_CAP_BYTES"
	envHeartbeatEvery = "BENCHFLEET_HEARTBEAT_INTERVAL"
	envHeartbeatStale = "BENCHFLEET_HEARTBEAT_THRESHOLD"
	envCancelGrace    = "BENCHFLEET_CANCEL_GRACE"
	envSweepInterval  = "BENCHFLEET_SWEEP_INTERVAL"
	envCgroupRoot     = "BENCHFLEET_CGROUP_ROOT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Runtime selects the execution backend: "podman" or "fake".
	Runtime    string
	CgroupRoot string

	// Workers is how many embedded workers the daemon starts; each gets the
	// same per-worker capacity.
	Workers           int
	WorkerCores       int
	WorkerMemoryBytes int64
	StdoutCapBytes    int

	HeartbeatInterval  time.Duration
	HeartbeatThreshold time.Duration
	CancelGrace        time.Duration
	SweepInterval      time.Duration
	PokeInterval       time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		Runtime:            defaultRuntime,
		CgroupRoot:         defaultCgroupRoot,
		Workers:            defaultWorkers,
		WorkerCores:        defaultWorkerCores,
		WorkerMemoryBytes:  defaultWorkerMemory,
		StdoutCapBytes:     defaultStdoutCap,
		HeartbeatInterval:  defaultHeartbeatEvery,
		HeartbeatThreshold: defaultHeartbeatStale,
		CancelGrace:        defaultCancelGrace,
		SweepInterval:      defaultSweepInterval,
		PokeInterval:       defaultPokeInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envRuntime); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv(envCgroupRoot); v != "" {
		cfg.CgroupRoot = v
	}
	cfg.Workers = intEnv(envWorkers, cfg.Workers)
	cfg.WorkerCores = intEnv(envWorkerCores, cfg.WorkerCores)
	cfg.WorkerMemoryBytes = int64Env(envWorkerMemory, cfg.WorkerMemoryBytes)
	cfg.StdoutCapBytes = intEnv(envStdoutCap, cfg.StdoutCapBytes)
	cfg.HeartbeatInterval = durationEnv(envHeartbeatEvery, cfg.HeartbeatInterval)
	cfg.HeartbeatThreshold = durationEnv(envHeartbeatStale, cfg.HeartbeatThreshold)
	cfg.CancelGrace = durationEnv(envCancelGrace, cfg.CancelGrace)
	cfg.SweepInterval = durationEnv(envSweepInterval, cfg.SweepInterval)

	return cfg
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func int64Env(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
