// Package telemetry holds the data model shared by the ingestion, aggregation
// and query components: raw sensor readings, window averages and the error
// taxonomy used across the pipeline.
package telemetry

import "time"

// Metric bounds accepted by the validator.
const (
	MinTemperature = -50.0
	MaxTemperature = 100.0
	MinPercent     = 0.0
	MaxPercent     = 100.0
)

// RawReading is one sensor sample as stored after ingestion.
//
// Metrics are pointers because rows written by other producers may lack a
// metric; nil means "no sample" and is excluded from that metric's average.
type RawReading struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	Temperature  *float64  `json:"temperature"`
	Humidity     *float64  `json:"humidity"`
	SoilMoisture *float64  `json:"soilMoisture"`
	ObservedAt   time.Time `json:"observedAt"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// AggregateRecord is one device's average over one window [WindowStart, WindowEnd).
type AggregateRecord struct {
	ID                  string    `json:"id"`
	DeviceID            string    `json:"deviceId"`
	AverageTemperature  *float64  `json:"averageTemperature"`
	AverageHumidity     *float64  `json:"averageHumidity"`
	AverageSoilMoisture *float64  `json:"averageSoilMoisture"`
	SampleCount         int       `json:"sampleCount"`
	WindowStart         time.Time `json:"windowStart"`
	WindowEnd           time.Time `json:"windowEnd"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
