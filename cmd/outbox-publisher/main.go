package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/mate-payments/internal/app"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/outbox/registry"
	"github.com/angelmondragon/mate-payments/pkg/pubsub"
)

func main() {
	rt := app.Boot("outbox-publisher")
	defer rt.Close()
	cfg := rt.Config

	boot := context.Background()
	dbClient := rt.Database(boot)

	pubsubClient, err := pubsub.NewClient(boot, cfg.GCP, pubsub.Requirements{
		Topics: []string{cfg.PubSub.PaymentsTopic},
	}, rt.Logger)
	rt.Must("pubsub", err)
	rt.OnClose("pubsub", pubsubClient.Close)

	catalog, err := registry.NewCatalog(cfg.PubSub)
	rt.Must("event catalog", err)

	sender := newPubSubSender(pubsubClient)
	rt.OnClose("pubsub publishers", func() error {
		sender.Close()
		return nil
	})

	relay, err := NewRelay(RelayParams{
		Outbox:      cfg.Outbox,
		Logger:      rt.Logger,
		DB:          dbClient,
		Store:       outbox.NewRepository(dbClient.DB()),
		DeadLetters: outbox.NewDeadLetterRepository(dbClient.DB()),
		Router:      catalog,
		Sender:      sender,
		Metrics:     metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	rt.Must("outbox relay", err)

	ctx, stop := rt.SignalContext(map[string]any{"topic": catalog.Topic()})
	defer stop()
	rt.Logger.Info(ctx, "starting outbox relay")

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.Must("outbox relay", err)
	}
	rt.Logger.Info(ctx, "outbox relay stopped")
}
