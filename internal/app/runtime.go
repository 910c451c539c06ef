package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/instance"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/migrate"
	"github.com/angelmondragon/mate-payments/pkg/queue"
	"github.com/angelmondragon/mate-payments/pkg/redis"
)

// Runtime is the process scaffolding shared by every binary: config, the
// service logger and the resources to close on the way out.
type Runtime struct {
	Config *config.Config
	Logger *logger.Logger

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Boot loads .env and the config, then builds the logger for kind. Any
// failure is fatal since nothing useful can run without them.
func Boot(kind string) *Runtime {
	boot := logger.New(logger.Options{ServiceName: kind})
	if err := godotenv.Load(); err != nil {
		boot.Warn(context.Background(), ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		boot.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = kind

	return &Runtime{
		Config: cfg,
		Logger: logger.New(logger.Options{
			ServiceName: kind,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			WarnStack:   cfg.App.LogWarnStack,
			Format:      cfg.App.LogFormat,
		}),
	}
}

// Must stops the process when err is set, closing what was opened so far.
func (r *Runtime) Must(resource string, err error) {
	if err == nil {
		return
	}
	r.Logger.Error(context.Background(), fmt.Sprintf("resource not working: %s", resource), err)
	_ = r.Close()
	os.Exit(1)
}

// OnClose registers fn to run at shutdown. Closers run in reverse order.
func (r *Runtime) OnClose(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, fn: fn})
}

func (r *Runtime) Close() error {
	var errs error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			r.Logger.Error(context.Background(), "error closing "+c.name, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errs
}

// Database opens postgres and, in dev, applies pending migrations.
func (r *Runtime) Database(ctx context.Context) *db.Client {
	client, err := db.New(ctx, r.Config.DB, r.Logger)
	r.Must("database", err)
	r.OnClose("database", client.Close)
	r.Must("dev migrations", migrate.MaybeRunDev(ctx, r.Config, r.Logger, client))
	return client
}

func (r *Runtime) Redis(ctx context.Context) *redis.Client {
	client, err := redis.New(ctx, r.Config.Redis, r.Logger)
	r.Must("redis", err)
	r.OnClose("redis", client.Close)
	return client
}

func (r *Runtime) Queue() *queue.Client {
	client, err := queue.NewClient(r.Config.Redis, r.Config.Queue)
	r.Must("queue client", err)
	r.OnClose("queue client", client.Close)
	return client
}

// SignalContext is canceled on SIGINT or SIGTERM and carries the fields
// every line from this process should have.
func (r *Runtime) SignalContext(fields map[string]any) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	base := map[string]any{
		"env":         r.Config.App.Env,
		"serviceKind": r.Config.Service.Kind,
		"instance":    instance.GetID("local"),
	}
	for k, v := range fields {
		base[k] = v
	}
	return r.Logger.WithFields(ctx, base), stop
}
