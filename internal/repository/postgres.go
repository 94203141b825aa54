package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

type PoolConfig struct {
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetimeS int
	ConnMaxIdleTimeS int
}

func NewPostgresDB(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresDB: open: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetimeS) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(pool.ConnMaxIdleTimeS) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewPostgresDB: ping: %w", err)
	}

	return db, nil
}

// ConnectWithRetry keeps trying NewPostgresDB once a second until the database
// answers or maxAttempts is spent. Containers routinely start before Postgres.
// At least one attempt is always made.
func ConnectWithRetry(ctx context.Context, databaseURL string, pool PoolConfig, maxAttempts uint64) (*sql.DB, error) {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	var db *sql.DB
	attempt := 0

	op := func() error {
		attempt++
		var err error
		db, err = NewPostgresDB(ctx, databaseURL, pool)
		if err != nil {
			slog.Info("waiting for database", "attempt", attempt, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), maxAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("ConnectWithRetry: gave up after %d attempts: %w", attempt, err)
	}
	return db, nil
}
