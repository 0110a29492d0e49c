package cmd

import (
	"fmt"

	"github.com/kestrelhq/sentinel/db"
	"github.com/kestrelhq/sentinel/internal/config"
)

// runMigrate applies pending database migrations and exits. serve runs
// migrations on startup too; this exists for deploy pipelines that migrate
// before rolling the service.
func runMigrate() error {
	logger := initLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
