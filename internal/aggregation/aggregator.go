// Package aggregation condenses raw readings into fixed-window averages and
// schedules that work on a timer.
package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"greenhouse-telemetry/internal/telemetry"
)

// Store is the part of the store the aggregation job needs.
type Store interface {
	FindReadings(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.RawReading, error)
	ActiveDevices(ctx context.Context, from, to time.Time) ([]string, error)
	InsertAggregate(ctx context.Context, a telemetry.AggregateRecord) error
	LatestAggregate(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error)
}

// Aggregator reduces one device's readings in one window to an average record.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator creates an Aggregator. now stamps CreatedAt; nil means
// time.Now.
func NewAggregator(store Store, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, now: now}
}

// AggregateWindow averages deviceID's readings received in [start, end) and
// stores the result. It returns nil without writing when the window holds no
// readings. It does not deduplicate; a second call for the same window is
// rejected only by the store's uniqueness constraint.
func (a *Aggregator) AggregateWindow(ctx context.Context, deviceID string, start, end time.Time) (*telemetry.AggregateRecord, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid window [%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	readings, err := a.store.FindReadings(ctx, deviceID, start, end)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}

	rec := Summarize(deviceID, readings)
	rec.ID = uuid.NewString()
	rec.WindowStart = start.UTC()
	rec.WindowEnd = end.UTC()
	rec.CreatedAt = a.now().UTC()

	if err := a.store.InsertAggregate(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Summarize computes the per-metric means of readings. A reading missing a
// metric is left out of that metric's mean only; a metric with no samples
// stays nil. SampleCount is len(readings).
func Summarize(deviceID string, readings []telemetry.RawReading) telemetry.AggregateRecord {
	var temp, hum, soil mean
	for _, r := range readings {
		temp.add(r.Temperature)
		hum.add(r.Humidity)
		soil.add(r.SoilMoisture)
	}
	return telemetry.AggregateRecord{
		DeviceID:            deviceID,
		AverageTemperature:  temp.value(),
		AverageHumidity:     hum.value(),
		AverageSoilMoisture: soil.value(),
		SampleCount:         len(readings),
	}
}

type mean struct {
	sum decimal.Decimal
	n   int64
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum = m.sum.Add(decimal.NewFromFloat(*v))
	m.n++
}

// value rounds half away from zero to two decimal places.
func (m *mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	avg, _ := m.sum.Div(decimal.NewFromInt(m.n)).Round(2).Float64()
	return &avg
}
