package types

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the immutable engine configuration. Construct it once, call
// Validate, and do not mutate it afterwards.
type Config struct {
	// TrustedMints are the only mint URLs the terminal will redeem against.
	TrustedMints []string `json:"trustedMints" validate:"required,min=1,dive,url"`

	// Unit is the ecash unit requested from customers, e.g. "sat".
	Unit string `json:"unit" validate:"required"`

	// RequestTimeout bounds every single mint call.
	RequestTimeout time.Duration `json:"requestTimeout" validate:"required"`

	// AutoAcceptTipThreshold: overpayment at or below this is kept as a tip.
	AutoAcceptTipThreshold uint64 `json:"autoAcceptTipThreshold"`

	// ForceChangeThreshold: overpayment at or above this always produces
	// change, overriding the configured default mode.
	ForceChangeThreshold uint64 `json:"forceChangeThreshold"`

	// OverpaymentMode decides classification between the two thresholds.
	OverpaymentMode OverpaymentMode `json:"overpaymentMode" validate:"required,oneof=auto_tip auto_change prompt"`

	// OfflineEnabled allows provisional acceptance while the mint is
	// unreachable.
	OfflineEnabled bool `json:"offlineEnabled"`

	// OfflineMaxAmount caps the value of a single provisionally-accepted
	// token. Ignored when OfflineEnabled is false.
	OfflineMaxAmount uint64 `json:"offlineMaxAmount"`

	// QueuePath is the offline queue's backing file. Empty selects the
	// in-memory store (tests, simulators).
	QueuePath string `json:"queuePath"`

	// ReconcileInterval is the background reconciliation cadence.
	ReconcileInterval time.Duration `json:"reconcileInterval"`

	// RetryInitialInterval and RetryMaxInterval bound the exponential
	// backoff applied to transiently-failing queue entries.
	RetryInitialInterval time.Duration `json:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `json:"retryMaxInterval"`

	// LogLevel for the default zap logger: debug, info, warn, error.
	LogLevel string `json:"logLevel"`
}

// DefaultConfig returns a Config with production defaults for the given
// trusted mints. The caller still owns threshold tuning.
func DefaultConfig(trustedMints ...string) Config {
	return Config{
		TrustedMints:           trustedMints,
		Unit:                   "sat",
		RequestTimeout:         15 * time.Second,
		AutoAcceptTipThreshold: 10,
		ForceChangeThreshold:   1000,
		OverpaymentMode:        ModeAutoTip,
		OfflineEnabled:         false,
		OfflineMaxAmount:       10000,
		ReconcileInterval:      30 * time.Second,
		RetryInitialInterval:   5 * time.Second,
		RetryMaxInterval:       10 * time.Minute,
		LogLevel:               "info",
	}
}

// Validate checks struct tags plus the cross-field invariants that tags
// cannot express. Invalid configurations are rejected, never tolerated.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return Errorf(ErrConfig, "invalid config: %v", err)
	}
	if c.ForceChangeThreshold < c.AutoAcceptTipThreshold {
		return Errorf(ErrConfig,
			"forceChangeThreshold (%d) must be >= autoAcceptTipThreshold (%d)",
			c.ForceChangeThreshold, c.AutoAcceptTipThreshold)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		return Errorf(ErrConfig,
			"retry intervals must satisfy 0 < initial <= max, got initial=%s max=%s",
			c.RetryInitialInterval, c.RetryMaxInterval)
	}
	if c.OfflineEnabled && c.OfflineMaxAmount == 0 {
		return NewError(ErrConfig, "offlineMaxAmount must be positive when offline acceptance is enabled")
	}
	return nil
}

// Trusts reports whether mintURL is in the trusted set.
func (c *Config) Trusts(mintURL string) bool {
	for _, m := range c.TrustedMints {
		if m == mintURL {
			return true
		}
	}
	return false
}
