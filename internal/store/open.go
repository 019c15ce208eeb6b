package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Options selects and configures the backend.
type Options struct {
	Driver        string
	PostgresURL   string
	MongoURL      string
	MongoDatabase string

	// ValkeyAddr enables the latest-reading cache when non-empty.
	ValkeyAddr string

	Attempts uint
	Delay    time.Duration
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Open connects the configured backend, retrying while the database
// container is still starting, applies the schema and wraps the result with
// the cache when configured.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 5
	}
	delay := opts.Delay
	if delay == 0 {
		delay = 2 * time.Second
	}

	var s Store
	err := retry.Do(
		func() error {
			var err error
			s, err = dial(ctx, opts)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("store not ready, retrying", "driver", opts.Driver, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	if m, ok := s.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if opts.ValkeyAddr != "" {
		cached, err := NewCached(ctx, s, opts.ValkeyAddr, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = cached
	}

	logger.Info("store ready", "driver", opts.Driver, "cache", opts.ValkeyAddr != "")
	return s, nil
}

func dial(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverPostgres, "":
		pg, err := NewPostgres(ctx, opts.PostgresURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case DriverMongo:
		mg, err := NewMongo(ctx, opts.MongoURL, opts.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return mg, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, retry.Unrecoverable(fmt.Errorf("unknown store driver %q", opts.Driver))
	}
}
