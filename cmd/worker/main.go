package main

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/mate-payments/internal/app"
	"github.com/angelmondragon/mate-payments/internal/worker"
	"github.com/angelmondragon/mate-payments/pkg/queue"
)

func main() {
	rt := app.Boot("worker")
	defer rt.Close()

	boot := context.Background()
	dbClient := rt.Database(boot)
	redisClient := rt.Redis(boot)

	payments, err := app.NewPayments(app.PaymentsParams{
		Config:     rt.Config,
		Logger:     rt.Logger,
		DB:         dbClient,
		Queue:      rt.Queue(),
		Registerer: prometheus.DefaultRegisterer,
	})
	rt.Must("payment services", err)

	consumer, err := worker.NewConsumer(rt.Logger, payments.Intents, payments.Payouts)
	rt.Must("retry consumer", err)

	connOpt, err := queue.RedisConnOpt(rt.Config.Redis)
	rt.Must("queue connection", err)

	service, err := NewService(ServiceParams{
		Logger:   rt.Logger,
		DB:       dbClient,
		Redis:    redisClient,
		Server:   asynq.NewServer(connOpt, queue.ServerConfig(rt.Config.Queue)),
		Consumer: consumer,
	})
	rt.Must("worker service", err)

	ctx, stop := rt.SignalContext(map[string]any{"queue": rt.Config.Queue.Name})
	defer stop()
	rt.Logger.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.Must("worker", err)
	}
	rt.Logger.Info(ctx, "worker stopped")
}
