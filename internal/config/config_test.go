package config

import (
	"testing"
	"time"

	"github.com/ashureev/taskflow/internal/retry"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.MaxRetries)
	}
	if cfg.RetryLineageMode != retry.LineageRoot {
		t.Errorf("RetryLineageMode = %s, want root", cfg.RetryLineageMode)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %s, want 30m", cfg.SessionTTL)
	}
	if cfg.Sandbox.Enabled {
		t.Error("sandbox enabled by default")
	}
	if !cfg.IsDevelopment() {
		t.Error("empty FrontendURL should mean development mode")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_LINEAGE_MODE", "chained")
	t.Setenv("SESSION_TTL", "45m")
	t.Setenv("BUILD_SANDBOX_ENABLED", "true")
	t.Setenv("BUILD_SANDBOX_IMAGE", "builder:v2")
	t.Setenv("FRONTEND_URL", "https://tasks.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %s, want 9090", cfg.Port)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.RetryLineageMode != retry.LineageChained {
		t.Errorf("RetryLineageMode = %s, want chained", cfg.RetryLineageMode)
	}
	if cfg.SessionTTL != 45*time.Minute {
		t.Errorf("SessionTTL = %s, want 45m", cfg.SessionTTL)
	}
	if !cfg.Sandbox.Enabled || cfg.Sandbox.Image != "builder:v2" {
		t.Errorf("sandbox = %+v, want enabled with builder:v2", cfg.Sandbox)
	}
	if cfg.IsDevelopment() {
		t.Error("production FrontendURL should not mean development mode")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("RETRY_LINEAGE_MODE", "sideways")
	if _, err := Load(); err == nil {
		t.Error("Load accepted an unknown lineage mode")
	}

	t.Setenv("RETRY_LINEAGE_MODE", "root")
	t.Setenv("MAX_RETRIES", "-1")
	if _, err := Load(); err == nil {
		t.Error("Load accepted a negative retry cap")
	}

	// Malformed durations fall back to defaults rather than failing.
	t.Setenv("MAX_RETRIES", "2")
	t.Setenv("SESSION_TTL", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %s, want fallback 30m", cfg.SessionTTL)
	}
}
