package refundpolicy

import (
	"testing"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

func reasonPtr(r enums.CancelReasonType) *enums.CancelReasonType { return &r }

func TestDecide(t *testing.T) {
	evaluator, err := NewEvaluator("0.10")
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	cases := []struct {
		name   string
		gross  int64
		reason *enums.CancelReasonType
		want   Decision
	}{
		{
			name:   "buyer changed mind pays fee",
			gross:  50000,
			reason: reasonPtr(enums.CancelReasonBuyerChangedMind),
			want:   Decision{RefundAmount: 45000, FeeAmount: 5000, Policy: enums.RefundPolicyPartialRefundWithFee},
		},
		{
			name:   "seller changed mind pays fee",
			gross:  50000,
			reason: reasonPtr(enums.CancelReasonSellerChangedMind),
			want:   Decision{RefundAmount: 45000, FeeAmount: 5000, Policy: enums.RefundPolicyPartialRefundWithFee},
		},
		{
			name:   "system cancel is full refund",
			gross:  50000,
			reason: reasonPtr(enums.CancelReasonSystem),
			want:   Decision{RefundAmount: 50000, FeeAmount: 0, Policy: enums.RefundPolicyFullRefund},
		},
		{
			name:   "nil reason is other",
			gross:  30000,
			reason: nil,
			want:   Decision{RefundAmount: 30000, FeeAmount: 0, Policy: enums.RefundPolicyFullRefund},
		},
		{
			name:   "fee floors fractional won",
			gross:  12345,
			reason: reasonPtr(enums.CancelReasonBuyerChangedMind),
			want:   Decision{RefundAmount: 11111, FeeAmount: 1234, Policy: enums.RefundPolicyPartialRefundWithFee},
		},
		{
			name:   "zero gross never yields negative fee",
			gross:  0,
			reason: reasonPtr(enums.CancelReasonBuyerChangedMind),
			want:   Decision{RefundAmount: 0, FeeAmount: 0, Policy: enums.RefundPolicyPartialRefundWithFee},
		},
		{
			name:   "negative gross clamps refund",
			gross:  -500,
			reason: reasonPtr(enums.CancelReasonSellerChangedMind),
			want:   Decision{RefundAmount: 0, FeeAmount: 0, Policy: enums.RefundPolicyPartialRefundWithFee},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evaluator.Decide(tc.gross, tc.reason)
			if got != tc.want {
				t.Fatalf("Decide(%d) = %+v, want %+v", tc.gross, got, tc.want)
			}
		})
	}
}

func TestNewEvaluatorValidatesRate(t *testing.T) {
	if _, err := NewEvaluator("abc"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewEvaluator("1.5"); err == nil {
		t.Fatal("expected range error")
	}
	evaluator, err := NewEvaluator("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := evaluator.Decide(1000, reasonPtr(enums.CancelReasonBuyerChangedMind)).FeeAmount; got != 100 {
		t.Fatalf("default rate fee = %d, want 100", got)
	}
}
