// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/taskflow/internal/retry"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// MaxRetries caps retry attempts per lineage.
	MaxRetries int
	// RetryLineageMode is "root" or "chained"; see the retry package.
	RetryLineageMode retry.LineageMode

	// SessionTTL is how long an active session may stay idle before the
	// sweeper fails it. SweepInterval is how often the sweeper runs.
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// ExecutorAddr, when set, routes phase execution to an external gRPC
	// service instead of the built-in executors.
	ExecutorAddr string

	Sandbox SandboxConfig
}

// SandboxConfig controls container-isolated build execution.
type SandboxConfig struct {
	Enabled bool
	Image   string
	Runtime string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/taskflow.db"),
		MaxRetries:       getEnvInt("MAX_RETRIES", 2),
		RetryLineageMode: retry.LineageMode(getEnv("RETRY_LINEAGE_MODE", string(retry.LineageRoot))),
		SessionTTL:       getEnvDuration("SESSION_TTL", 30*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),
		ExecutorAddr:     getEnv("EXECUTOR_GRPC_ADDR", ""),
		Sandbox: SandboxConfig{
			Enabled: getEnvBool("BUILD_SANDBOX_ENABLED", false),
			Image:   getEnv("BUILD_SANDBOX_IMAGE", "taskflow-build:latest"),
			Runtime: getEnv("BUILD_SANDBOX_RUNTIME", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if !c.RetryLineageMode.Valid() {
		return fmt.Errorf("RETRY_LINEAGE_MODE must be %q or %q", retry.LineageRoot, retry.LineageChained)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Sandbox.Enabled && c.Sandbox.Image == "" {
		return fmt.Errorf("BUILD_SANDBOX_IMAGE cannot be empty when the sandbox is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
