package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.DefaultTriggerPhrase != "@loomy" {
		t.Errorf("DefaultTriggerPhrase = %q, want @loomy", cfg.DefaultTriggerPhrase)
	}
	if cfg.QuotaSoftThreshold != 10000 {
		t.Errorf("QuotaSoftThreshold = %d, want 10000", cfg.QuotaSoftThreshold)
	}
	if cfg.StaleAfter != 15*time.Minute {
		t.Errorf("StaleAfter = %v, want 15m", cfg.StaleAfter)
	}
	if cfg.RecoveryBatchCap != 0 {
		t.Errorf("RecoveryBatchCap = %d, want 0 (unbounded)", cfg.RecoveryBatchCap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUOTA_SOFT_THRESHOLD", "500")
	t.Setenv("POLL_CLAIM_INTERVAL", "250ms")
	t.Setenv("MAX_CONCURRENT_POLLS", "2")
	t.Setenv("DEFAULT_TRIGGER_PHRASE", "@helperbot")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.QuotaSoftThreshold != 500 {
		t.Errorf("QuotaSoftThreshold = %d, want 500", cfg.QuotaSoftThreshold)
	}
	if cfg.PollClaimInterval != 250*time.Millisecond {
		t.Errorf("PollClaimInterval = %v, want 250ms", cfg.PollClaimInterval)
	}
	if cfg.MaxConcurrentPolls != 2 {
		t.Errorf("MaxConcurrentPolls = %d, want 2", cfg.MaxConcurrentPolls)
	}
	if cfg.DefaultTriggerPhrase != "@helperbot" {
		t.Errorf("DefaultTriggerPhrase = %q, want @helperbot", cfg.DefaultTriggerPhrase)
	}
}

func TestValidateYouTubeReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateYouTubeReady(); err == nil {
		t.Error("expected error for missing YouTube credentials")
	}
	cfg.YTClientID = "id"
	cfg.YTClientSecret = "secret"
	if err := cfg.ValidateYouTubeReady(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("QUOTA_SOFT_THRESHOLD", "not-a-number")
	t.Setenv("DISCOVERY_INTERVAL", "yesterday")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.QuotaSoftThreshold != 10000 {
		t.Errorf("QuotaSoftThreshold = %d, want default 10000", cfg.QuotaSoftThreshold)
	}
	if cfg.DiscoveryInterval != 3*time.Minute {
		t.Errorf("DiscoveryInterval = %v, want default 3m", cfg.DiscoveryInterval)
	}
}
