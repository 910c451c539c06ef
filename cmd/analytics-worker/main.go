package main

import (
	"context"
	"errors"

	"github.com/angelmondragon/mate-payments/internal/analytics"
	"github.com/angelmondragon/mate-payments/internal/app"
	"github.com/angelmondragon/mate-payments/pkg/bigquery"
	"github.com/angelmondragon/mate-payments/pkg/outbox/idempotency"
	"github.com/angelmondragon/mate-payments/pkg/pubsub"
)

func main() {
	rt := app.Boot("analytics-worker")
	defer rt.Close()
	cfg := rt.Config

	boot := context.Background()
	redisClient := rt.Redis(boot)

	pubsubClient, err := pubsub.NewClient(boot, cfg.GCP, pubsub.Requirements{
		Subscriptions: []string{cfg.PubSub.AnalyticsSubscription},
	}, rt.Logger)
	rt.Must("pubsub", err)
	rt.OnClose("pubsub", pubsubClient.Close)

	bq, err := bigquery.NewClient(boot, cfg.GCP, cfg.BigQuery, rt.Logger)
	rt.Must("bigquery", err)
	rt.OnClose("bigquery", bq.Close)

	schema, err := analytics.Schema()
	rt.Must("payment events schema", err)
	rt.Must("payment events table", bq.EnsureTable(boot, cfg.BigQuery.PaymentEventsTable, schema, "occurred_at"))

	guard, err := idempotency.NewGuard(redisClient, cfg.Eventing.IdempotencyTTL)
	rt.Must("idempotency guard", err)

	sink, err := analytics.NewBigQuerySink(bq, cfg.BigQuery.PaymentEventsTable)
	rt.Must("payment events sink", err)

	subscriber := pubsubClient.Subscriber(cfg.PubSub.AnalyticsSubscription)
	if subscriber == nil {
		rt.Must("analytics subscription", errors.New("subscription not configured"))
	}
	consumer, err := analytics.NewConsumer(analytics.ConsumerParams{
		Subscription: subscriber,
		Claims:       guard,
		Sink:         sink,
		Logger:       rt.Logger,
	})
	rt.Must("analytics consumer", err)

	ctx, stop := rt.SignalContext(map[string]any{"subscription": cfg.PubSub.AnalyticsSubscription})
	defer stop()
	rt.Logger.Info(ctx, "analytics worker ready")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.Must("analytics consumer", err)
	}
}
