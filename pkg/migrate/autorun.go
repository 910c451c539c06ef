package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

// MaybeRunDev applies pending migrations on boot in dev when MATE_AUTO_MIGRATE
// is set. Other environments run the migrate binary as a release step.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate || cfg.DB.Driver == db.DriverSQLite {
		return nil
	}
	pool, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	runner, err := NewRunner(pool, Embedded(), logg)
	if err != nil {
		return err
	}

	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "auto-migrating dev database")
	if err := runner.Exec(ctx, "up"); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}
