package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPaymentMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPaymentMetrics(reg)

	m.RecordConfirm(ResultSuccess)
	m.RecordConfirm(ResultSuccess)
	m.RecordConfirm(ResultRetry)
	m.RecordCompensationRequested()
	m.RecordCompensation(ResultFail)
	m.RecordRefund(RefundPartial)
	m.RecordPayout(ResultSkip)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	checks := []struct {
		name  string
		label string
		value string
		want  float64
	}{
		{"mate_payment_confirm_total", "result", ResultSuccess, 2},
		{"mate_payment_confirm_total", "result", ResultRetry, 1},
		{"mate_payment_compensation_total", "result", ResultFail, 1},
		{"mate_refund_total", "policy", RefundPartial, 1},
		{"mate_settlement_payout_total", "result", ResultSkip, 1},
	}
	for _, c := range checks {
		got, err := fetchCounterValue(mfs, c.name, c.label, c.value)
		if err != nil {
			t.Fatalf("fetch %s: %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("%s{%s=%s} = %f, want %f", c.name, c.label, c.value, got, c.want)
		}
	}

	mf := findMetricFamily(mfs, "mate_payment_compensation_requested_total")
	if mf == nil || len(mf.GetMetric()) != 1 || mf.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected compensation requested counter of 1")
	}
}

func TestPaymentMetricsNilSafe(t *testing.T) {
	var m *PaymentMetrics
	m.RecordConfirm(ResultFail)
	m.RecordRefund(RefundFailed)

	unregistered := NewPaymentMetrics(nil)
	unregistered.RecordPayout(ResultSuccess)
	unregistered.RecordCompensationRequested()
}

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.RecordDelivery("payout_failed", DeliveryDeadLetter)
	m.RecordDelivery("payout_failed", DeliveryDeadLetter)
	m.ObserveBatch(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	got, err := fetchCounterValue(mfs, "mate_outbox_deliveries_total", "outcome", DeliveryDeadLetter)
	if err != nil {
		t.Fatalf("fetch deliveries: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2 dead letters, got %f", got)
	}
	if mf := findMetricFamily(mfs, "mate_outbox_batch_size"); mf == nil || mf.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one batch observation")
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.RecordDelivery("x", DeliveryRetry)
	NewOutboxMetrics(nil).ObserveBatch(1)
}
