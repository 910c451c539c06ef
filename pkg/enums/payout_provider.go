package enums

import "strings"

// PayoutProvider identifies the gateway that executes seller payouts.
type PayoutProvider string

const (
	PayoutProviderSim  PayoutProvider = "SIM"
	PayoutProviderToss PayoutProvider = "TOSS"
)

var payoutProviders = set[PayoutProvider]{PayoutProviderSim, PayoutProviderToss}

func (p PayoutProvider) String() string { return string(p) }
func (p PayoutProvider) IsValid() bool  { return payoutProviders.has(p) }

// RequiresSellerProfile reports whether payouts need a registered seller id.
func (p PayoutProvider) RequiresSellerProfile() bool {
	return p == PayoutProviderToss
}

// ParsePayoutProvider ignores case and surrounding whitespace.
func ParsePayoutProvider(value string) (PayoutProvider, error) {
	return payoutProviders.parse("payout provider", strings.ToUpper(strings.TrimSpace(value)))
}

// PaymentMode toggles whether real gateway calls are allowed.
type PaymentMode string

const (
	PaymentModeDirectTrade PaymentMode = "DIRECT_TRADE"
	PaymentModeTossTest    PaymentMode = "TOSS_TEST"
)

// ParsePaymentMode falls back to DIRECT_TRADE for anything unknown, so a typo
// never turns gateway calls on.
func ParsePaymentMode(value string) PaymentMode {
	if PaymentMode(strings.ToUpper(strings.TrimSpace(value))) == PaymentModeTossTest {
		return PaymentModeTossTest
	}
	return PaymentModeDirectTrade
}
