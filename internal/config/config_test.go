package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoffSeconds != 60 {
		t.Errorf("expected default base backoff 60s, got %d", cfg.BaseBackoffSeconds)
	}
	if cfg.RetentionDays != 90 {
		t.Errorf("expected default retention 90 days, got %d", cfg.RetentionDays)
	}
	if cfg.WebhookSecret != "" {
		t.Errorf("webhook secret must have no default, got %q", cfg.WebhookSecret)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("DB_NAME", "notify_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.MaxAttempts)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Errorf("expected webhook secret from env, got %q", cfg.WebhookSecret)
	}
	if cfg.DBName != "notify_test" {
		t.Errorf("expected db name notify_test, got %q", cfg.DBName)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid PORT")
	}
}
