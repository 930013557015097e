// Package config validates environment-driven server configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Port is the TCP port the exam protocol listens on.
	Port string
	// OpsPort serves /metrics and /health over HTTP.
	OpsPort string
	// DBPath is the SQLite database file.
	DBPath string
	// LogFile receives the JSON log stream alongside stdout.
	LogFile string

	LogLevel        string
	DevelopmentMode bool

	// SweepInterval is the lifecycle sweeper cadence.
	SweepInterval time.Duration
	// SessionIdleTimeout deactivates store sessions idle longer than this.
	SessionIdleTimeout time.Duration
	// MaxClients caps concurrent connections (registry slots).
	MaxClients int
}

// ValidateEnv validates all environment variables and returns a Config.
// All problems are collected and returned together.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8888")
	if !validPort(cfg.Port) {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number (got %q)", cfg.Port))
	}

	cfg.OpsPort = getEnvOrDefault("OPS_PORT", "9090")
	if !validPort(cfg.OpsPort) {
		errs = append(errs, fmt.Sprintf("OPS_PORT must be a valid port number (got %q)", cfg.OpsPort))
	}
	if cfg.OpsPort == cfg.Port {
		errs = append(errs, "OPS_PORT must differ from PORT")
	}

	cfg.DBPath = getEnvOrDefault("DB_PATH", "exam.db")
	cfg.LogFile = getEnvOrDefault("LOG_FILE", "server.log")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	sweep := getEnvOrDefault("SWEEP_INTERVAL_SECONDS", "2")
	if secs, err := strconv.Atoi(sweep); err != nil || secs < 1 || secs > 60 {
		errs = append(errs, fmt.Sprintf("SWEEP_INTERVAL_SECONDS must be 1-60 (got %q)", sweep))
	} else {
		cfg.SweepInterval = time.Duration(secs) * time.Second
	}

	idle := getEnvOrDefault("SESSION_IDLE_MINUTES", "30")
	if mins, err := strconv.Atoi(idle); err != nil || mins < 1 {
		errs = append(errs, fmt.Sprintf("SESSION_IDLE_MINUTES must be a positive integer (got %q)", idle))
	} else {
		cfg.SessionIdleTimeout = time.Duration(mins) * time.Minute
	}

	clients := getEnvOrDefault("MAX_CLIENTS", "100")
	if n, err := strconv.Atoi(clients); err != nil || n < 1 {
		errs = append(errs, fmt.Sprintf("MAX_CLIENTS must be a positive integer (got %q)", clients))
	} else {
		cfg.MaxClients = n
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func validPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"port", cfg.Port,
		"ops_port", cfg.OpsPort,
		"db_path", cfg.DBPath,
		"log_file", cfg.LogFile,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"sweep_interval", cfg.SweepInterval,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"max_clients", cfg.MaxClients,
	)
}

// getEnvOrDefault returns the environment value or the default if unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
