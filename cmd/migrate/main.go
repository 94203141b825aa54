package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	env "github.com/caarlos0/env/v11"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/josh-kwaku/eventpay/internal/logging"
	"github.com/josh-kwaku/eventpay/internal/repository"
)

type migrateConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,required,notEmpty"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv            string `env:"APP_ENV" envDefault:"production"`
	DBConnectAttempts uint64 `env:"DB_CONNECT_ATTEMPTS" envDefault:"10"`
}

func main() {
	var (
		direction = flag.String("direction", "up", "up, down or version")
		steps     = flag.Int("steps", 0, "number of steps; 0 migrates all the way")
		source    = flag.String("source", "file://migrations", "migration source URL")
	)
	flag.Parse()

	cfg, err := env.ParseAs[migrateConfig]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.Init("eventpay-migrate", cfg.LogLevel, cfg.AppEnv)

	if err := run(context.Background(), &cfg, *source, *direction, *steps, log); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *migrateConfig, source, direction string, steps int, log *slog.Logger) error {
	db, err := repository.ConnectWithRetry(ctx, cfg.DatabaseURL, repository.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1}, cfg.DBConnectAttempts)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("run: postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps <= 0 {
			steps = 1
		}
		err = m.Steps(-steps)
	case "version":
	default:
		return fmt.Errorf("run: unknown direction %q", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run: migrate %s: %w", direction, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("run: version: %w", err)
	}
	log.Info("migrations done", "direction", direction, "version", version, "dirty", dirty)
	return nil
}
