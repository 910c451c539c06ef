package main

import (
	"context"
	"errors"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/mate-payments/internal/app"
	"github.com/angelmondragon/mate-payments/internal/cron"
	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/redis"
)

func main() {
	rt := app.Boot("cron-worker")
	defer rt.Close()
	cfg := rt.Config

	boot := context.Background()
	dbClient := rt.Database(boot)
	redisClient := rt.Redis(boot)

	payments, err := app.NewPayments(app.PaymentsParams{
		Config:     cfg,
		Logger:     rt.Logger,
		DB:         dbClient,
		Queue:      rt.Queue(),
		Registerer: prometheus.DefaultRegisterer,
	})
	rt.Must("payment services", err)

	loc, err := time.LoadLocation(cfg.Cron.Timezone)
	rt.Must("cron timezone", err)
	locker, err := cron.NewRedisLocker(redisClient, lockKeys(redisClient, cfg.App.Env), cfg.Cron.LockTTL)
	rt.Must("cron locker", err)

	scheduler, err := cron.NewScheduler(cron.SchedulerParams{
		Logger:     rt.Logger,
		Locker:     locker,
		Metrics:    metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Location:   loc,
		JobTimeout: cfg.Cron.LockTTL,
	})
	rt.Must("cron scheduler", err)
	rt.Must("cron jobs", schedule(scheduler, cfg, rt.Logger, dbClient, payments))

	ctx, stop := rt.SignalContext(map[string]any{"timezone": loc.String()})
	defer stop()
	rt.Logger.Info(ctx, "starting cron worker")

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.Must("cron scheduler", err)
	}
	rt.Logger.Info(ctx, "cron worker stopped")
}

// lockKeys scopes job locks per environment so staging and production can
// share a Redis.
func lockKeys(redisClient *redis.Client, env string) func(job string) string {
	if env == "" {
		env = "local"
	}
	return func(job string) string {
		return redisClient.LockKey("cron:" + env + ":" + job)
	}
}

func schedule(s *cron.Scheduler, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, payments *app.Payments) error {
	reconcile, err := cron.NewReconcileJob(logg, payments.Intents)
	if err != nil {
		return err
	}
	expiry, err := cron.NewIntentExpiryJob(logg, payments.Intents)
	if err != nil {
		return err
	}
	payoutRetry, err := cron.NewPayoutRetryJob(logg, payments.Payouts)
	if err != nil {
		return err
	}
	refundResume, err := cron.NewRefundResumeJob(logg, payments.Settlement)
	if err != nil {
		return err
	}
	retention, err := cron.NewOutboxRetentionJob(logg, dbClient, outbox.NewRepository(dbClient.DB()), cfg.Cron.OutboxRetention)
	if err != nil {
		return err
	}

	plan := []struct {
		spec string
		job  cron.Job
	}{
		{"@every " + cfg.Reconcile.Interval.String(), reconcile},
		{cfg.Cron.ExpirySchedule, expiry},
		{cfg.Cron.PayoutRetrySchedule, payoutRetry},
		{"@every " + cfg.Reconcile.Interval.String(), refundResume},
		{cfg.Cron.RetentionSchedule, retention},
	}
	for _, p := range plan {
		if err := s.Add(p.spec, p.job); err != nil {
			return err
		}
	}
	return nil
}
