// Package cron runs the periodic payment sweeps. Each job has its own
// schedule and its own Redis lock, so replicas of the cron worker never run
// the same job at once.
package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
)

// Job is one scheduled sweep.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type SchedulerParams struct {
	Logger   *logger.Logger
	Locker   Locker
	Metrics  *metrics.CronJobMetrics
	Location *time.Location
	// JobTimeout caps a single run. Zero means no cap.
	JobTimeout time.Duration
}

type Scheduler struct {
	logg    *logger.Logger
	locker  Locker
	metrics *metrics.CronJobMetrics
	timeout time.Duration
	engine  *robfig.Cron
	ctx     context.Context
	jobs    []Job
}

func NewScheduler(p SchedulerParams) (*Scheduler, error) {
	if p.Logger == nil {
		return nil, errors.New("logger required")
	}
	if p.Locker == nil {
		return nil, errors.New("locker required")
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	adapter := cronLogger{logg: p.Logger}
	return &Scheduler{
		logg:    p.Logger,
		locker:  p.Locker,
		metrics: p.Metrics,
		timeout: p.JobTimeout,
		ctx:     context.Background(),
		engine: robfig.New(
			robfig.WithLocation(loc),
			robfig.WithLogger(adapter),
			robfig.WithChain(robfig.Recover(adapter), robfig.SkipIfStillRunning(adapter)),
		),
	}, nil
}

// Add registers job under a standard five-field spec or a descriptor such
// as "@every 15m".
func (s *Scheduler) Add(spec string, job Job) error {
	if job == nil {
		return errors.New("job required")
	}
	_, err := s.engine.AddFunc(spec, func() { s.execute(s.ctx, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name(), spec, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Run fires every job once, then follows the schedules until ctx is
// canceled. It returns after in-flight jobs finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.engine.Start()
	for _, entry := range s.engine.Entries() {
		go entry.WrappedJob.Run()
	}
	s.logg.Info(s.logg.WithField(ctx, "jobs", len(s.jobs)), "cron scheduler started")

	<-ctx.Done()
	<-s.engine.Stop().Done()
	return ctx.Err()
}

// execute runs job when this process wins its lock.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	name := job.Name()
	ctx = s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})

	unlock, won, err := s.locker.TryLock(ctx, name)
	if err != nil {
		s.logg.Error(ctx, "cron lock unavailable", err)
		s.metrics.Record(name, metrics.CronOutcomeLockError, 0)
		return
	}
	if !won {
		s.metrics.Record(name, metrics.CronOutcomeSkipped, 0)
		return
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "cron unlock failed", err)
		}
	}()

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	err = job.Run(runCtx)
	took := time.Since(started)
	ctx = s.logg.WithField(ctx, "duration_ms", took.Milliseconds())
	if err != nil {
		s.logg.Error(ctx, "cron job failed", err)
		s.metrics.Record(name, metrics.CronOutcomeFailure, took)
		return
	}
	s.logg.Info(ctx, "cron job completed")
	s.metrics.Record(name, metrics.CronOutcomeSuccess, took)
}

// cronLogger routes robfig/cron's own logging through the service logger.
type cronLogger struct {
	logg *logger.Logger
}

// Info is dropped: robfig reports every wake-up and schedule at info level.
func (l cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logg.Error(l.logg.WithFields(context.Background(), pairs(keysAndValues)), "cron: "+msg, err)
}

func pairs(kv []any) map[string]any {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
