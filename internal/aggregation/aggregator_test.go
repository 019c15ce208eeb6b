package aggregation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"greenhouse-telemetry/internal/aggregation"
	"greenhouse-telemetry/internal/store"
	"greenhouse-telemetry/internal/telemetry"
)

var windowEnd = time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC)

func seed(t *testing.T, s *store.Memory, device string, at time.Time, temp, hum *float64) {
	t.Helper()
	require.NoError(t, s.InsertReading(context.Background(), telemetry.RawReading{
		ID:          device + at.Format(time.RFC3339Nano),
		DeviceID:    device,
		Temperature: temp,
		Humidity:    hum,
		ObservedAt:  at,
		ReceivedAt:  at,
	}))
}

func TestAggregateWindowMean(t *testing.T) {
	mem := store.NewMemory()
	start := windowEnd.Add(-5 * time.Minute)
	for i, v := range []float64{10, 20, 30} {
		seed(t, mem, "dev-1", start.Add(time.Duration(i)*time.Minute), telemetry.Float(v), nil)
	}

	agg := aggregation.NewAggregator(mem, func() time.Time { return windowEnd })
	rec, err := agg.AggregateWindow(context.Background(), "dev-1", start, windowEnd)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 20.0, *rec.AverageTemperature)
	require.Equal(t, 3, rec.SampleCount)
	require.Nil(t, rec.AverageHumidity)
	require.Nil(t, rec.AverageSoilMoisture)
	require.Equal(t, start, rec.WindowStart)
	require.Equal(t, windowEnd, rec.WindowEnd)
	require.Equal(t, windowEnd, rec.CreatedAt)
	require.NotEmpty(t, rec.ID)

	require.Len(t, mem.Aggregates(), 1)
}

func TestAggregateWindowEmptyWritesNothing(t *testing.T) {
	mem := store.NewMemory()
	start := windowEnd.Add(-5 * time.Minute)
	seed(t, mem, "dev-1", windowEnd, telemetry.Float(10), nil)
	seed(t, mem, "dev-1", start.Add(-time.Second), telemetry.Float(10), nil)

	rec, err := aggregation.NewAggregator(mem, nil).AggregateWindow(context.Background(), "dev-1", start, windowEnd)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Empty(t, mem.Aggregates())
}

func TestAggregateWindowRejectsEmptyInterval(t *testing.T) {
	_, err := aggregation.NewAggregator(store.NewMemory(), nil).AggregateWindow(context.Background(), "dev-1", windowEnd, windowEnd)
	require.Error(t, err)
}

func TestSummarizeMetricGaps(t *testing.T) {
	readings := []telemetry.RawReading{
		{Temperature: telemetry.Float(20), Humidity: telemetry.Float(40)},
		{Temperature: telemetry.Float(21)},
		{Humidity: telemetry.Float(45), SoilMoisture: telemetry.Float(30)},
	}
	rec := aggregation.Summarize("dev-1", readings)
	require.Equal(t, 3, rec.SampleCount)
	require.Equal(t, 20.5, *rec.AverageTemperature)
	require.Equal(t, 42.5, *rec.AverageHumidity)
	require.Equal(t, 30.0, *rec.AverageSoilMoisture)
}

func TestSummarizeRounding(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{[]float64{2.675}, 2.68},
		{[]float64{10, 10, 11}, 10.33},
		{[]float64{20, 20, 21}, 20.33},
		{[]float64{1, 2}, 1.5},
		{[]float64{-0.005}, -0.01},
		{[]float64{0.125, 0.125}, 0.13},
	}
	for _, tt := range tests {
		var readings []telemetry.RawReading
		for _, v := range tt.values {
			readings = append(readings, telemetry.RawReading{Temperature: telemetry.Float(v)})
		}
		rec := aggregation.Summarize("dev-1", readings)
		require.Equal(t, tt.want, *rec.AverageTemperature, "values %v", tt.values)
	}
}
