package controllers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/mate-payments/api/responses"
	"github.com/angelmondragon/mate-payments/pkg/config"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// Pinger is any dependency the readiness check pings.
type Pinger interface {
	Ping(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Mate-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and answers 503 naming the ones that
// failed. A nil pinger is skipped.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbPinger, redisPinger Pinger) http.HandlerFunc {
	deps := map[string]Pinger{"database": dbPinger, "redis": redisPinger}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Mate-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		var down []string
		report := make(map[string]string, len(deps))
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				down = append(down, name)
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		if len(down) > 0 {
			sort.Strings(down)
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.New(pkgerrors.CodeDependency, strings.Join(down, ", ")+" unavailable").WithDetails(report))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": report})
	}
}
