package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWritesDefaultConfigWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, resolved, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("unexpected path %q", resolved)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected default config to be written: %v", statErr)
	}
	if cfg.MaxMessageLength != 5000 || cfg.BackendTimeout != 60*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_message_length: 100\nredis_url: redis://file:6379/1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WIRECHAT_MAX_MESSAGE_LENGTH", "250")
	t.Setenv("WIRECHAT_RATE_LIMIT_WINDOW", "90s")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxMessageLength != 250 {
		t.Fatalf("expected env override 250, got %d", cfg.MaxMessageLength)
	}
	if cfg.RedisURL != "redis://file:6379/1" {
		t.Fatalf("expected file value for redis_url, got %q", cfg.RedisURL)
	}
	if cfg.RateLimitWindow != 90*time.Second {
		t.Fatalf("expected 90s window, got %v", cfg.RateLimitWindow)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	cfg.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.CacheDriver = "etcd"
	cfg.MaxMessageLength = 0
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "cache_driver") || !strings.Contains(err.Error(), "max_message_length") {
		t.Fatalf("expected joined errors, got %v", err)
	}
}
