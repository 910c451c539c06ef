package app

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

func TestRuntimeClosesInReverseOrder(t *testing.T) {
	rt := &Runtime{Logger: logger.New(logger.Options{Output: io.Discard})}
	var order []string
	record := func(name string, err error) func() error {
		return func() error {
			order = append(order, name)
			return err
		}
	}
	rt.OnClose("database", record("database", nil))
	rt.OnClose("redis", record("redis", errors.New("conn reset")))
	rt.OnClose("queue", record("queue", errors.New("already closed")))

	err := rt.Close()
	require.Equal(t, []string{"queue", "redis", "database"}, order)
	require.ErrorContains(t, err, "redis: conn reset")
	require.ErrorContains(t, err, "queue: already closed")

	// a second Close is a no-op
	require.NoError(t, rt.Close())
	require.Len(t, order, 3)
}

func TestSignalContextCarriesProcessFields(t *testing.T) {
	rt := &Runtime{
		Config: &config.Config{App: config.AppConfig{Env: "dev"}, Service: config.ServiceConfig{Kind: "worker"}},
		Logger: logger.New(logger.Options{Output: io.Discard}),
	}
	ctx, stop := rt.SignalContext(map[string]any{"queue": "payments"})
	defer stop()
	require.NoError(t, ctx.Err())

	stop()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
