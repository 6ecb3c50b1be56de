package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all handoff daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	MetricsAddr   string `json:"metrics_addr"`
	SweepSchedule string `json:"sweep_schedule"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(handoffDir(), "handoff.db"),
		LogLevel:      "info",
		PoolSize:      10,
		MetricsAddr:   ":4180",
		SweepSchedule: "* * * * *",
	}
}

func handoffDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".handoff"
	}
	return filepath.Join(home, ".handoff")
}

func settingsPath() string {
	return filepath.Join(handoffDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("HANDOFF_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HANDOFF_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HANDOFF_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("HANDOFF_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("HANDOFF_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}

	return cfg
}
