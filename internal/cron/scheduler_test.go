package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mate-payments/pkg/metrics"
)

type countingJob struct {
	mu   sync.Mutex
	name string
	err  error
	runs int
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	return j.err
}

func (j *countingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

type scriptedLocker struct {
	held     map[string]bool
	err      error
	unlocked []string
}

func (l *scriptedLocker) TryLock(_ context.Context, job string) (Unlock, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[job] {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.unlocked = append(l.unlocked, job)
		return nil
	}, true, nil
}

func newScheduler(t *testing.T, locker Locker) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := NewScheduler(SchedulerParams{
		Logger:  testLogger(),
		Locker:  locker,
		Metrics: metrics.NewCronJobMetrics(reg),
	})
	require.NoError(t, err)
	return s, reg
}

func runsFor(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "mate_cron_job_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestExecuteRunsJobUnderLock(t *testing.T) {
	locker := &scriptedLocker{held: map[string]bool{}}
	s, reg := newScheduler(t, locker)
	ok := &countingJob{name: "payment-reconcile"}
	failing := &countingJob{name: "payout-retry", err: errors.New("toss down")}

	s.execute(context.Background(), ok)
	s.execute(context.Background(), failing)

	require.Equal(t, 1, ok.count())
	require.Equal(t, 1, failing.count())
	require.Equal(t, []string{"payment-reconcile", "payout-retry"}, locker.unlocked)
	require.Equal(t, float64(1), runsFor(t, reg, metrics.CronOutcomeSuccess))
	require.Equal(t, float64(1), runsFor(t, reg, metrics.CronOutcomeFailure))
}

func TestExecuteSkipsWhenLockHeldElsewhere(t *testing.T) {
	locker := &scriptedLocker{held: map[string]bool{"payment-reconcile": true}}
	s, reg := newScheduler(t, locker)
	job := &countingJob{name: "payment-reconcile"}

	s.execute(context.Background(), job)
	require.Zero(t, job.count())
	require.Empty(t, locker.unlocked)
	require.Equal(t, float64(1), runsFor(t, reg, metrics.CronOutcomeSkipped))

	locker.err = errors.New("redis down")
	s.execute(context.Background(), job)
	require.Zero(t, job.count())
	require.Equal(t, float64(1), runsFor(t, reg, metrics.CronOutcomeLockError))
}

func TestAddRejectsBadSpec(t *testing.T) {
	s, _ := newScheduler(t, &scriptedLocker{held: map[string]bool{}})
	require.Error(t, s.Add("every now and then", &countingJob{name: "x"}))
	require.Error(t, s.Add("@every 1m", nil))
	require.NoError(t, s.Add("@every 1m", &countingJob{name: "x"}))
	require.NoError(t, s.Add("30 3 * * *", &countingJob{name: "y"}))
}

func TestRunFiresJobsOnStartAndStops(t *testing.T) {
	s, _ := newScheduler(t, &scriptedLocker{held: map[string]bool{}})
	job := &countingJob{name: "payment-intent-expiry"}
	require.NoError(t, s.Add("@every 1h", job))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return job.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler(SchedulerParams{Locker: &scriptedLocker{}})
	require.Error(t, err)
	_, err = NewScheduler(SchedulerParams{Logger: testLogger()})
	require.Error(t, err)
}
