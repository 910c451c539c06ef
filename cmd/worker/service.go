package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/angelmondragon/mate-payments/internal/worker"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

const readinessTimeout = 5 * time.Second

type pinger interface {
	Ping(context.Context) error
}

type taskServer interface {
	Start(handler asynq.Handler) error
	Shutdown()
}

type ServiceParams struct {
	Logger   *logger.Logger
	DB       pinger
	Redis    pinger
	Server   taskServer
	Consumer *worker.Consumer
}

// Service runs the retry consumer on the asynq server until ctx ends.
type Service struct {
	logg     *logger.Logger
	deps     map[string]pinger
	server   taskServer
	consumer *worker.Consumer
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.Redis == nil:
		return nil, errors.New("redis client is required")
	case p.Server == nil:
		return nil, errors.New("task server is required")
	case p.Consumer == nil:
		return nil, errors.New("retry consumer is required")
	}
	return &Service{
		logg:     p.Logger,
		deps:     map[string]pinger{"database": p.DB, "redis": p.Redis},
		server:   p.Server,
		consumer: p.Consumer,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	for name, dep := range s.deps {
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readinessTimeout)
		err := dep.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s not ready: %w", name, err)
		}
	}

	mux := asynq.NewServeMux()
	mux.Use(s.logTasks)
	s.consumer.Register(mux)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	s.logg.Info(ctx, "retry consumer started")

	<-ctx.Done()
	s.server.Shutdown()
	return ctx.Err()
}

// logTasks records how long each task took and whether asynq will retry it.
func (s *Service) logTasks(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, task)

		fields := map[string]any{
			"task":        task.Type(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if retried, ok := asynq.GetRetryCount(ctx); ok {
			fields["retried"] = retried
		}
		logCtx := s.logg.WithFields(ctx, fields)
		switch {
		case err == nil:
			s.logg.Info(logCtx, "task.done")
		case errors.Is(err, asynq.SkipRetry):
			s.logg.Warn(logCtx, "task.dropped")
		default:
			s.logg.Warn(logCtx, "task.failed")
		}
		return err
	})
}
