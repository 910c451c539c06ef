package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.Record("payment-reconcile", CronOutcomeSuccess, 250*time.Millisecond)
	m.Record("payment-reconcile", CronOutcomeFailure, time.Second)
	m.Record("payment-reconcile", CronOutcomeSkipped, 0)
	m.Record("payment-reconcile", CronOutcomeSkipped, 0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	runs := findMetricFamily(mfs, "mate_cron_job_runs_total")
	if runs == nil {
		t.Fatal("runs counter missing")
	}
	want := map[string]float64{CronOutcomeSuccess: 1, CronOutcomeFailure: 1, CronOutcomeSkipped: 2}
	for _, metric := range runs.GetMetric() {
		outcome := labelValue(metric.GetLabel(), "outcome")
		if got := metric.GetCounter().GetValue(); got != want[outcome] {
			t.Fatalf("%s: expected %v runs, got %v", outcome, want[outcome], got)
		}
	}

	hist := findMetricFamily(mfs, "mate_cron_job_duration_seconds")
	if hist == nil || hist.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
		t.Fatal("skipped runs must not be timed")
	}
	if findMetricFamily(mfs, "mate_cron_job_last_success_timestamp_seconds") == nil {
		t.Fatal("last success gauge missing")
	}

	var nilMetrics *CronJobMetrics
	nilMetrics.Record("x", CronOutcomeSuccess, time.Second)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if labelValue(metric.GetLabel(), label) == value {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q has no %s=%s series", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(labels []*dto.LabelPair, name string) string {
	for _, l := range labels {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
