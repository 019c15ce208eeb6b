package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"greenhouse-telemetry/internal/telemetry"
)

// Device produces a slow random walk around a greenhouse climate.
type Device struct {
	ID string

	temperature  float64
	humidity     float64
	soilMoisture float64
	rng          *rand.Rand
}

// NewDevices creates n devices named gh-01, gh-02, ...
func NewDevices(n int, seed uint64) []*Device {
	devices := make([]*Device, n)
	for i := range devices {
		rng := rand.New(rand.NewPCG(seed, uint64(i)))
		devices[i] = &Device{
			ID:           fmt.Sprintf("gh-%02d", i+1),
			temperature:  18 + rng.Float64()*8,
			humidity:     45 + rng.Float64()*20,
			soilMoisture: 30 + rng.Float64()*20,
			rng:          rng,
		}
	}
	return devices
}

// Next advances the walk and returns the next payload. Values always stay
// within the accepted ranges.
func (d *Device) Next(now time.Time) Payload {
	d.temperature = walk(d.rng, d.temperature, 0.4, telemetry.MinTemperature, telemetry.MaxTemperature)
	d.humidity = walk(d.rng, d.humidity, 1.5, telemetry.MinPercent, telemetry.MaxPercent)
	d.soilMoisture = walk(d.rng, d.soilMoisture, 0.8, telemetry.MinPercent, telemetry.MaxPercent)

	observed := now.UTC()
	return Payload{
		DeviceID:     d.ID,
		Temperature:  telemetry.Float(round1(d.temperature)),
		Humidity:     telemetry.Float(round1(d.humidity)),
		SoilMoisture: telemetry.Float(round1(d.soilMoisture)),
		ObservedAt:   &observed,
	}
}

func walk(rng *rand.Rand, v, step, lo, hi float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Sender posts readings.
type Sender interface {
	Send(ctx context.Context, p Payload) (telemetry.RawReading, error)
}

// Tick sends one reading per device and returns how many were accepted.
func Tick(ctx context.Context, s Sender, devices []*Device, logger *slog.Logger) int {
	sent := 0
	for _, d := range devices {
		r, err := s.Send(ctx, d.Next(time.Now()))
		if err != nil {
			logger.Warn("Reading not accepted", "device_id", d.ID, "error", err)
			continue
		}
		sent++
		logger.Debug("Reading sent", "device_id", d.ID, "received_at", r.ReceivedAt)
	}
	return sent
}
