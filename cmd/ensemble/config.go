package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all ensemble server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	DebugLogDir    string `json:"debug_log_dir"`
	SeedFile       string `json:"seed_file"` // optional definitions payload loaded at boot
	EnableSchedule bool   `json:"enable_schedule"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(ensembleDir(), "ensemble.db"),
		LogLevel:       "info",
		DebugLogDir:    filepath.Join(ensembleDir(), "logs"),
		EnableSchedule: true,
	}
}

func ensembleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func settingsPath() string {
	return filepath.Join(ensembleDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ENSEMBLE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENSEMBLE_DEBUG_LOG_DIR"); v != "" {
		cfg.DebugLogDir = v
	}
	if v := os.Getenv("ENSEMBLE_SEED_FILE"); v != "" {
		cfg.SeedFile = v
	}
	if v := os.Getenv("ENSEMBLE_SCHEDULE"); v != "" {
		cfg.EnableSchedule = v == "true" || v == "1"
	}

	return cfg
}
