// Package store implements the persistence collaborator for raw readings and
// window averages. Postgres (TimescaleDB) is the default backend, MongoDB and
// an in-memory store are alternatives, and a Valkey/Redis cache can front any
// of them for latest-reading lookups.
package store

import (
	"context"
	"time"

	"greenhouse-telemetry/internal/telemetry"
)

// Store is the full collaborator contract used by the pipeline.
//
// Time ranges are half-open: from is inclusive, to is exclusive. Readings are
// windowed by ReceivedAt.
type Store interface {
	InsertReading(ctx context.Context, r telemetry.RawReading) error
	InsertAggregate(ctx context.Context, a telemetry.AggregateRecord) error

	FindReadings(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.RawReading, error)
	ActiveDevices(ctx context.Context, from, to time.Time) ([]string, error)
	LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error)

	FindAggregates(ctx context.Context, deviceID string, since time.Time) ([]telemetry.AggregateRecord, error)
	LatestAggregate(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error)
	DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

func storeErr(op string, err error) error {
	return &telemetry.StoreError{Op: op, Err: err}
}
