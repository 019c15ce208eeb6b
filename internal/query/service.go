// Package query serves the read side of the pipeline: averages over a day
// range, latest records and the retention cleanup of old averages.
package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"greenhouse-telemetry/internal/telemetry"
)

// Bounds of the averages range, in days.
const (
	MinDays     = 1
	MaxDays     = 90
	DefaultDays = 7

	DefaultRetentionDays = 90
)

// Store is the read and retention side of the store.
type Store interface {
	LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error)
	FindAggregates(ctx context.Context, deviceID string, since time.Time) ([]telemetry.AggregateRecord, error)
	LatestAggregate(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error)
	DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AverageRange is the answer to GetAverages.
type AverageRange struct {
	DeviceID string
	Days     int
	From     time.Time
	To       time.Time
	Records  []telemetry.AggregateRecord
}

// Service answers aggregate queries.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. now nil means time.Now.
func NewService(store Store, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, logger: logger, now: now}
}

// GetAverages returns the device's averages whose window started within the
// last days days, ascending by WindowStart. An empty range is a valid answer.
func (s *Service) GetAverages(ctx context.Context, deviceID string, days int) (AverageRange, error) {
	var errs telemetry.ValidationError
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		errs.Add(telemetry.FieldDeviceID, "is required")
	}
	if days < MinDays || days > MaxDays {
		errs.Add("days", "must be between %d and %d", MinDays, MaxDays)
	}
	if err := errs.OrNil(); err != nil {
		return AverageRange{}, err
	}

	to := s.now().UTC()
	from := to.AddDate(0, 0, -days)
	recs, err := s.store.FindAggregates(ctx, deviceID, from)
	if err != nil {
		return AverageRange{}, err
	}
	if recs == nil {
		recs = []telemetry.AggregateRecord{}
	}
	return AverageRange{DeviceID: deviceID, Days: days, From: from, To: to, Records: recs}, nil
}

// GetLatest returns the device's average with the greatest WindowStart, or
// telemetry.ErrNotFound.
func (s *Service) GetLatest(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return telemetry.AggregateRecord{}, telemetry.NewValidationError(telemetry.FieldDeviceID, "is required")
	}
	return s.store.LatestAggregate(ctx, deviceID)
}

// LatestReading returns the device's most recently received raw reading, or
// telemetry.ErrNotFound.
func (s *Service) LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return telemetry.RawReading{}, telemetry.NewValidationError(telemetry.FieldDeviceID, "is required")
	}
	return s.store.LatestReading(ctx, deviceID)
}

// Cleanup deletes averages created before now minus retentionDays. A record
// created exactly at the cutoff is kept.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, telemetry.NewValidationError("retentionDays", "must be at least 1")
	}

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	n, err := s.store.DeleteAggregatesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("old averages deleted", "retention_days", retentionDays, "cutoff", cutoff, "deleted", n)
	return n, nil
}

// RunRetention calls Cleanup every interval until ctx is done.
func (s *Service) RunRetention(ctx context.Context, interval time.Duration, retentionDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, retentionDays); err != nil {
				s.logger.Error("retention cleanup failed", "error", err)
			}
		}
	}
}
