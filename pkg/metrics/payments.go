package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	ResultSuccess = "success"
	ResultFail    = "fail"
	ResultRetry   = "retry"
	ResultSkip    = "skip"

	RefundPartial = "partial"
	RefundFull    = "full"
	RefundFailed  = "failed"
)

// PaymentMetrics exposes the payment lifecycle counters. A nil receiver or a
// metrics instance built without a registerer is a no-op.
type PaymentMetrics struct {
	confirm               *prometheus.CounterVec
	compensation          *prometheus.CounterVec
	compensationRequested prometheus.Counter
	refund                *prometheus.CounterVec
	payout                *prometheus.CounterVec
}

func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	confirm := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mate_payment_confirm_total",
		Help: "Payment confirm outcomes.",
	}, []string{"result"})
	compensation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mate_payment_compensation_total",
		Help: "Gateway cancel outcomes for compensated payments.",
	}, []string{"result"})
	requested := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mate_payment_compensation_requested_total",
		Help: "Compensations started after a failed confirm.",
	})
	refund := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mate_refund_total",
		Help: "Refund outcomes by applied policy.",
	}, []string{"policy"})
	payout := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mate_settlement_payout_total",
		Help: "Seller payout outcomes.",
	}, []string{"result"})
	reg.MustRegister(confirm, compensation, requested, refund, payout)
	return &PaymentMetrics{
		confirm:               confirm,
		compensation:          compensation,
		compensationRequested: requested,
		refund:                refund,
		payout:                payout,
	}
}

func (m *PaymentMetrics) RecordConfirm(result string) {
	if m == nil || m.confirm == nil {
		return
	}
	m.confirm.WithLabelValues(result).Inc()
}

func (m *PaymentMetrics) RecordCompensationRequested() {
	if m == nil || m.compensationRequested == nil {
		return
	}
	m.compensationRequested.Inc()
}

func (m *PaymentMetrics) RecordCompensation(result string) {
	if m == nil || m.compensation == nil {
		return
	}
	m.compensation.WithLabelValues(result).Inc()
}

func (m *PaymentMetrics) RecordRefund(policy string) {
	if m == nil || m.refund == nil {
		return
	}
	m.refund.WithLabelValues(policy).Inc()
}

func (m *PaymentMetrics) RecordPayout(result string) {
	if m == nil || m.payout == nil {
		return
	}
	m.payout.WithLabelValues(result).Inc()
}
