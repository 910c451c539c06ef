package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/mate-payments/api/routes"
	"github.com/angelmondragon/mate-payments/internal/app"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func main() {
	rt := app.Boot("api")
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

	server := &http.Server{
		Addr:              ":" + rt.Config.App.Port,
		ReadHeaderTimeout: readHeaderTimeout,
		Handler: routes.NewRouter(routes.Params{
			Config:         rt.Config,
			Logger:         rt.Logger,
			DB:             dbClient,
			Redis:          redisClient,
			Idempotency:    redisClient,
			RateLimiter:    redisClient,
			Gatherer:       prometheus.DefaultGatherer,
			Intents:        payments.Intents,
			Checkout:       payments.Checkout,
			Settlement:     payments.Settlement,
			SellerProfiles: payments.SellerProfiles,
			Payouts:        payments.Payouts,
			DeadLetters:    outbox.NewDeadLetterRepository(dbClient.DB()),
		}),
	}

	ctx, stop := rt.SignalContext(map[string]any{
		"addr":         server.Addr,
		"payment_mode": string(payments.Mode),
	})
	defer stop()

	served := make(chan error, 1)
	go func() { served <- server.ListenAndServe() }()
	rt.Logger.Info(ctx, "api server listening")

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			rt.Must("http server", err)
		}
	case <-ctx.Done():
		rt.Logger.Info(ctx, "draining api server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.Logger.Error(ctx, "api server shutdown failed", err)
		}
	}
}
