package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.HTTPAddr)
	}
	if cfg.KeyApprovalTimeout != 24*time.Hour {
		t.Fatalf("expected 24h approval timeout, got %s", cfg.KeyApprovalTimeout)
	}
	if cfg.KeyExecutionWindow != time.Hour {
		t.Fatalf("expected 1h execution window, got %s", cfg.KeyExecutionWindow)
	}
	if cfg.BreakGlassWindow != 4*time.Hour {
		t.Fatalf("expected 4h break-glass window, got %s", cfg.BreakGlassWindow)
	}
	if cfg.AnchorPublishEnabled || cfg.AnchorConfirmEnabled {
		t.Fatal("anchor publish/confirm must default to disabled")
	}
	if cfg.AnchorGrace != 30*time.Second {
		t.Fatalf("expected 30s anchor grace, got %s", cfg.AnchorGrace)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ANCHOR_PERIOD", "15m")
	t.Setenv("ANCHOR_PUBLISH_ENABLED", "true")
	t.Setenv("KEY_EXECUTION_WINDOW", "-5m")
	t.Setenv("RATE_LIMIT_REQUESTS", "30")
	t.Setenv("RATE_LIMIT_ADMIN_REQUESTS", "5")
	t.Setenv("LEDGER_ENV", "dev")
	t.Setenv("ANCHOR_GRACE", "0s")

	cfg := FromEnv()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected override addr, got %q", cfg.HTTPAddr)
	}
	if cfg.AnchorPeriod != 15*time.Minute {
		t.Fatalf("expected 15m period, got %s", cfg.AnchorPeriod)
	}
	if !cfg.AnchorPublishEnabled {
		t.Fatal("expected publish enabled")
	}
	if cfg.KeyExecutionWindow != time.Hour {
		t.Fatalf("negative duration should fall back to default, got %s", cfg.KeyExecutionWindow)
	}
	if cfg.RateLimitRequests != 30 {
		t.Fatalf("expected 30 requests, got %d", cfg.RateLimitRequests)
	}
	if cfg.RateLimitAppendRequests != 30 {
		t.Fatalf("unset append budget must follow the shared one, got %d", cfg.RateLimitAppendRequests)
	}
	if cfg.RateLimitAdminRequests != 5 {
		t.Fatalf("expected admin budget 5, got %d", cfg.RateLimitAdminRequests)
	}
	if !cfg.Dev() {
		t.Fatal("expected dev mode")
	}
	if cfg.AnchorGrace != 0 {
		t.Fatalf("a zero grace must be kept, got %s", cfg.AnchorGrace)
	}
}
