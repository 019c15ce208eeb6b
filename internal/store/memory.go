package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"greenhouse-telemetry/internal/telemetry"
)

// Memory is a process-local Store. It backs the component tests and the
// STORE_DRIVER=memory mode for local development.
type Memory struct {
	mu         sync.RWMutex
	readings   []telemetry.RawReading
	aggregates []telemetry.AggregateRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) InsertReading(_ context.Context, r telemetry.RawReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func (m *Memory) InsertAggregate(_ context.Context, a telemetry.AggregateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.aggregates {
		if existing.DeviceID == a.DeviceID &&
			existing.WindowStart.Equal(a.WindowStart) &&
			existing.WindowEnd.Equal(a.WindowEnd) {
			return telemetry.ErrDuplicateWindow
		}
	}
	m.aggregates = append(m.aggregates, a)
	return nil
}

func (m *Memory) FindReadings(_ context.Context, deviceID string, from, to time.Time) ([]telemetry.RawReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []telemetry.RawReading
	for _, r := range m.readings {
		if r.DeviceID == deviceID && inRange(r.ReceivedAt, from, to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) ActiveDevices(_ context.Context, from, to time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	devices := make([]string, 0)
	for _, r := range m.readings {
		if !inRange(r.ReceivedAt, from, to) {
			continue
		}
		if _, ok := seen[r.DeviceID]; ok {
			continue
		}
		seen[r.DeviceID] = struct{}{}
		devices = append(devices, r.DeviceID)
	}
	sort.Strings(devices)
	return devices, nil
}

func (m *Memory) LatestReading(_ context.Context, deviceID string) (telemetry.RawReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest telemetry.RawReading
		found  bool
	)
	for _, r := range m.readings {
		if r.DeviceID != deviceID {
			continue
		}
		if !found || !r.ReceivedAt.Before(latest.ReceivedAt) {
			latest, found = r, true
		}
	}
	if !found {
		return telemetry.RawReading{}, telemetry.ErrNotFound
	}
	return latest, nil
}

func (m *Memory) FindAggregates(_ context.Context, deviceID string, since time.Time) ([]telemetry.AggregateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]telemetry.AggregateRecord, 0)
	for _, a := range m.aggregates {
		if a.DeviceID == deviceID && !a.WindowStart.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

func (m *Memory) LatestAggregate(_ context.Context, deviceID string) (telemetry.AggregateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest telemetry.AggregateRecord
		found  bool
	)
	for _, a := range m.aggregates {
		if a.DeviceID != deviceID {
			continue
		}
		if !found || a.WindowStart.After(latest.WindowStart) {
			latest, found = a, true
		}
	}
	if !found {
		return telemetry.AggregateRecord{}, telemetry.ErrNotFound
	}
	return latest, nil
}

func (m *Memory) DeleteAggregatesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.aggregates[:0]
	var deleted int64
	for _, a := range m.aggregates {
		if a.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.aggregates = kept
	return deleted, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// Readings returns a copy of every stored reading.
func (m *Memory) Readings() []telemetry.RawReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]telemetry.RawReading(nil), m.readings...)
}

// Aggregates returns a copy of every stored aggregate.
func (m *Memory) Aggregates() []telemetry.AggregateRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]telemetry.AggregateRecord(nil), m.aggregates...)
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
