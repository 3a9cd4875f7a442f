package types

import (
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig("https://mint.example.com")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfigRejectsThresholdInversion(t *testing.T) {
	cfg := DefaultConfig("https://mint.example.com")
	cfg.AutoAcceptTipThreshold = 500
	cfg.ForceChangeThreshold = 100
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected threshold inversion to be rejected")
	}
	if !IsCode(err, ErrConfig) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
}

func TestConfigRejectsNoTrustedMints(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected empty trusted-mint set to be rejected")
	}
}

func TestConfigRejectsBadRetryIntervals(t *testing.T) {
	cfg := DefaultConfig("https://mint.example.com")
	cfg.RetryInitialInterval = time.Minute
	cfg.RetryMaxInterval = time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected max < initial to be rejected")
	}
}

func TestConfigRejectsZeroOfflineCeiling(t *testing.T) {
	cfg := DefaultConfig("https://mint.example.com")
	cfg.OfflineEnabled = true
	cfg.OfflineMaxAmount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero offline ceiling to be rejected")
	}
}

func TestTrusts(t *testing.T) {
	cfg := DefaultConfig("https://a.example.com", "https://b.example.com")
	if !cfg.Trusts("https://b.example.com") {
		t.Fatalf("expected b to be trusted")
	}
	if cfg.Trusts("https://c.example.com") {
		t.Fatalf("expected c to be untrusted")
	}
}

func TestPaymentStateTerminal(t *testing.T) {
	terminal := []PaymentState{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	live := []PaymentState{StatePending, StateTokenReceived, StateValidating, StateProcessing, StatePendingVerification}
	for _, s := range live {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
