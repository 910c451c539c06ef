package refundpolicy

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the cancellation fee charged on change-of-mind cancels.
var DefaultFeeRate = decimal.RequireFromString("0.10")

// Decision is the outcome of applying the refund policy to a payment.
type Decision struct {
	RefundAmount int64
	FeeAmount    int64
	Policy       enums.RefundPolicy
}

// Evaluator maps a gross amount and a cancel reason to a refund decision.
type Evaluator struct {
	feeRate decimal.Decimal
}

// NewEvaluator parses rate (for example "0.10"). An empty rate uses DefaultFeeRate.
func NewEvaluator(rate string) (*Evaluator, error) {
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return &Evaluator{feeRate: DefaultFeeRate}, nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid fee rate %q: %w", rate, err)
	}
	if parsed.IsNegative() || parsed.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate %s must be between 0 and 1", parsed)
	}
	return &Evaluator{feeRate: parsed}, nil
}

// Decide applies the policy. A nil reason is treated as OTHER.
func (e *Evaluator) Decide(gross int64, reason *enums.CancelReasonType) Decision {
	resolved := enums.CancelReasonOther
	if reason != nil {
		resolved = *reason
	}

	if !feeApplies(resolved) {
		return Decision{
			RefundAmount: max(0, gross),
			FeeAmount:    0,
			Policy:       enums.RefundPolicyFullRefund,
		}
	}

	fee := e.fee(gross)
	return Decision{
		RefundAmount: max(0, gross-fee),
		FeeAmount:    fee,
		Policy:       enums.RefundPolicyPartialRefundWithFee,
	}
}

func (e *Evaluator) fee(gross int64) int64 {
	if gross <= 0 {
		return 0
	}
	return decimal.NewFromInt(gross).Mul(e.feeRate).Floor().IntPart()
}

func feeApplies(reason enums.CancelReasonType) bool {
	return reason == enums.CancelReasonBuyerChangedMind || reason == enums.CancelReasonSellerChangedMind
}
