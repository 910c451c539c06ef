package enums

import "testing"

func TestFlowAndPaymentTypeRoundTrip(t *testing.T) {
	cases := []struct {
		flow    FlowType
		payment PaymentType
	}{
		{FlowTypeDeposit, PaymentTypeDeposit},
		{FlowTypeSellingFull, PaymentTypeFull},
	}
	for _, tc := range cases {
		if got := tc.flow.PaymentType(); got != tc.payment {
			t.Fatalf("%s: expected payment type %s got %s", tc.flow, tc.payment, got)
		}
		if got := tc.payment.FlowType(); got != tc.flow {
			t.Fatalf("%s: expected flow %s got %s", tc.payment, tc.flow, got)
		}
	}
	if _, err := ParseFlowType("SUBSCRIPTION"); err == nil {
		t.Fatal("expected unknown flow type to fail")
	}
	if _, err := ParsePaymentType("deposit"); err == nil {
		t.Fatal("expected payment type parsing to be case sensitive")
	}
}

func TestIntentStatusFinalized(t *testing.T) {
	finalized := map[IntentStatus]bool{
		IntentStatusPrepared:           false,
		IntentStatusConfirmed:          false,
		IntentStatusApplicationCreated: false,
		IntentStatusCancelRequested:    true,
		IntentStatusCanceled:           true,
		IntentStatusCancelFailed:       true,
		IntentStatusExpired:            true,
	}
	for status, want := range finalized {
		if got := status.IsFinalized(); got != want {
			t.Fatalf("%s: expected finalized=%v got %v", status, want, got)
		}
		if !status.IsValid() {
			t.Fatalf("%s should be valid", status)
		}
	}
}

func TestParsePaymentModeDefaultsToDirectTrade(t *testing.T) {
	if got := ParsePaymentMode(" toss_test "); got != PaymentModeTossTest {
		t.Fatalf("expected TOSS_TEST got %s", got)
	}
	for _, raw := range []string{"", "LIVE", "DIRECT_TRADE"} {
		if got := ParsePaymentMode(raw); got != PaymentModeDirectTrade {
			t.Fatalf("%q: expected DIRECT_TRADE got %s", raw, got)
		}
	}
}

func TestParsersRejectUnknownValues(t *testing.T) {
	parsers := map[string]func(string) error{
		"cancel reason":     func(v string) error { _, err := ParseCancelReasonType(v); return err },
		"intent status":     func(v string) error { _, err := ParseIntentStatus(v); return err },
		"member role":       func(v string) error { _, err := ParseMemberRole(v); return err },
		"payment status":    func(v string) error { _, err := ParsePaymentStatus(v); return err },
		"settlement status": func(v string) error { _, err := ParseSettlementStatus(v); return err },
		"aggregate type":    func(v string) error { _, err := ParseOutboxAggregateType(v); return err },
		"event type":        func(v string) error { _, err := ParseOutboxEventType(v); return err },
	}
	for kind, parse := range parsers {
		if err := parse("NOPE"); err == nil {
			t.Fatalf("%s: expected error for unknown value", kind)
		}
	}

	if got, err := ParseSettlementStatus("REFUNDED_AFTER_SETTLEMENT"); err != nil || got != SettlementStatusRefundedAfterSettlement {
		t.Fatalf("unexpected settlement parse %q %v", got, err)
	}
	if got, err := ParsePayoutProvider(" toss "); err != nil || got != PayoutProviderToss {
		t.Fatalf("unexpected provider parse %q %v", got, err)
	}
	if !PayoutProviderToss.RequiresSellerProfile() || PayoutProviderSim.RequiresSellerProfile() {
		t.Fatal("only toss payouts need a seller profile")
	}
	if OutboxDLQErrorReason("timeout").IsValid() || !OutboxDLQReasonMaxAttempts.IsValid() {
		t.Fatal("unexpected dlq reason validity")
	}
}
