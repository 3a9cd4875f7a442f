// Package overpay classifies excess payment as tip, change, or a prompt for
// the operator. Pure decision logic, no I/O.
package overpay

import "github.com/nutpos/nutpos/types"

// Classify resolves how an overpayment should be handled.
//
// Amounts at or below the auto-accept threshold are tips. Amounts at or
// above the force-change threshold are change regardless of the configured
// default. Everything in between follows the configured mode. An amount of
// zero is not an overpayment and classifies to "".
func Classify(amount uint64, cfg *types.Config) types.OverpaymentHandling {
	if amount == 0 {
		return ""
	}
	if amount <= cfg.AutoAcceptTipThreshold {
		return types.HandlingTip
	}
	if amount >= cfg.ForceChangeThreshold {
		return types.HandlingChange
	}
	switch cfg.OverpaymentMode {
	case types.ModeAutoTip:
		return types.HandlingTip
	case types.ModeAutoChange:
		return types.HandlingChange
	default:
		return types.HandlingPrompt
	}
}
