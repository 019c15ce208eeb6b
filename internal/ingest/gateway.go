// Package ingest accepts readings from untrusted callers (HTTP and MQTT),
// validates them, then persists and broadcasts them.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"greenhouse-telemetry/internal/broadcast"
	"greenhouse-telemetry/internal/telemetry"
)

// ReadingWriter is the part of the store the gateway needs.
type ReadingWriter interface {
	InsertReading(ctx context.Context, r telemetry.RawReading) error
}

// Gateway is the ingestion entry point shared by every transport.
type Gateway struct {
	store     ReadingWriter
	publisher broadcast.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock used for receivedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a Gateway. publisher may be nil when nothing observes
// live readings.
func NewGateway(store ReadingWriter, publisher broadcast.Publisher, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest validates raw and, on success, persists and broadcasts the
// normalized reading. A *telemetry.ValidationError means nothing was written
// or published. A *telemetry.StoreError means persistence failed. Broadcast
// failures are logged and never returned.
func (g *Gateway) Ingest(ctx context.Context, raw []byte) (telemetry.RawReading, error) {
	payload, err := telemetry.DecodePayload(raw)
	if err != nil {
		return telemetry.RawReading{}, err
	}
	return g.IngestPayload(ctx, payload)
}

// IngestPayload is Ingest for an already decoded payload.
func (g *Gateway) IngestPayload(ctx context.Context, payload map[string]any) (telemetry.RawReading, error) {
	r, err := telemetry.Validate(payload)
	if err != nil {
		return telemetry.RawReading{}, err
	}

	r.ID = uuid.NewString()
	r.ReceivedAt = g.now().UTC()
	if r.ObservedAt.IsZero() {
		r.ObservedAt = r.ReceivedAt
	}

	var wg sync.WaitGroup
	if g.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.broadcast(ctx, r)
		}()
	}

	err = g.store.InsertReading(ctx, r)
	wg.Wait()

	if err != nil {
		var se *telemetry.StoreError
		if !errors.As(err, &se) {
			err = &telemetry.StoreError{Op: "insert reading", Err: err}
		}
		g.logger.Error("reading not persisted", "device_id", r.DeviceID, "error", err)
		return telemetry.RawReading{}, err
	}

	g.logger.Debug("reading ingested", "device_id", r.DeviceID, "id", r.ID)
	return r, nil
}

func (g *Gateway) broadcast(ctx context.Context, r telemetry.RawReading) {
	if err := g.publisher.Publish(ctx, broadcast.NewReadingEvent(r)); err != nil {
		g.logger.Warn("broadcast failed", "device_id", r.DeviceID, "error", err)
	}
}
