package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"greenhouse-telemetry/internal/telemetry"
)

// schema is applied on startup. A second aggregate for the same
// (device_id, window_start, window_end) violates the unique constraint.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS telemetry_readings (
		id            TEXT PRIMARY KEY,
		device_id     TEXT NOT NULL,
		temperature   DOUBLE PRECISION,
		humidity      DOUBLE PRECISION,
		soil_moisture DOUBLE PRECISION,
		observed_at   TIMESTAMPTZ NOT NULL,
		received_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS telemetry_readings_device_received_idx
		ON telemetry_readings (device_id, received_at DESC)`,
	`CREATE INDEX IF NOT EXISTS telemetry_readings_received_idx
		ON telemetry_readings (received_at)`,
	`CREATE TABLE IF NOT EXISTS telemetry_averages (
		id                    TEXT PRIMARY KEY,
		device_id             TEXT NOT NULL,
		average_temperature   DOUBLE PRECISION,
		average_humidity      DOUBLE PRECISION,
		average_soil_moisture DOUBLE PRECISION,
		sample_count          INTEGER NOT NULL CHECK (sample_count >= 1),
		window_start          TIMESTAMPTZ NOT NULL,
		window_end            TIMESTAMPTZ NOT NULL,
		created_at            TIMESTAMPTZ NOT NULL,
		CHECK (window_start < window_end),
		UNIQUE (device_id, window_start, window_end)
	)`,
	`CREATE INDEX IF NOT EXISTS telemetry_averages_device_start_idx
		ON telemetry_averages (device_id, window_start DESC)`,
	`CREATE INDEX IF NOT EXISTS telemetry_averages_created_idx
		ON telemetry_averages (created_at)`,
}

// Postgres stores readings and averages in PostgreSQL/TimescaleDB.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects the pool and verifies the connection with a ping.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unavailable: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates tables and indexes when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) InsertReading(ctx context.Context, r telemetry.RawReading) error {
	query := `INSERT INTO telemetry_readings
		(id, device_id, temperature, humidity, soil_moisture, observed_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.pool.Exec(ctx, query,
		r.ID, r.DeviceID, r.Temperature, r.Humidity, r.SoilMoisture, r.ObservedAt, r.ReceivedAt)
	if err != nil {
		return storeErr("insert reading", err)
	}
	return nil
}

func (p *Postgres) InsertAggregate(ctx context.Context, a telemetry.AggregateRecord) error {
	query := `INSERT INTO telemetry_averages
		(id, device_id, average_temperature, average_humidity, average_soil_moisture,
		 sample_count, window_start, window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, window_start, window_end) DO NOTHING`

	tag, err := p.pool.Exec(ctx, query,
		a.ID, a.DeviceID, a.AverageTemperature, a.AverageHumidity, a.AverageSoilMoisture,
		a.SampleCount, a.WindowStart, a.WindowEnd, a.CreatedAt)
	if err != nil {
		return storeErr("insert aggregate", err)
	}
	if tag.RowsAffected() == 0 {
		return telemetry.ErrDuplicateWindow
	}
	return nil
}

const readingColumns = `id, device_id, temperature, humidity, soil_moisture, observed_at, received_at`

func (p *Postgres) FindReadings(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.RawReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM telemetry_readings
		WHERE device_id = $1 AND received_at >= $2 AND received_at < $3
		ORDER BY received_at ASC`

	rows, err := p.pool.Query(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, storeErr("find readings", err)
	}
	defer rows.Close()

	readings := make([]telemetry.RawReading, 0, 64)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, storeErr("find readings", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find readings", err)
	}
	return readings, nil
}

func (p *Postgres) ActiveDevices(ctx context.Context, from, to time.Time) ([]string, error) {
	query := `SELECT DISTINCT device_id
		FROM telemetry_readings
		WHERE received_at >= $1 AND received_at < $2
		ORDER BY device_id`

	rows, err := p.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, storeErr("active devices", err)
	}
	defer rows.Close()

	devices := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("active devices", err)
		}
		devices = append(devices, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active devices", err)
	}
	return devices, nil
}

func (p *Postgres) LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM telemetry_readings
		WHERE device_id = $1
		ORDER BY received_at DESC
		LIMIT 1`

	r, err := scanReading(p.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.RawReading{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.RawReading{}, storeErr("latest reading", err)
	}
	return r, nil
}

const aggregateColumns = `id, device_id, average_temperature, average_humidity, average_soil_moisture,
	sample_count, window_start, window_end, created_at`

func (p *Postgres) FindAggregates(ctx context.Context, deviceID string, since time.Time) ([]telemetry.AggregateRecord, error) {
	query := `SELECT ` + aggregateColumns + `
		FROM telemetry_averages
		WHERE device_id = $1 AND window_start >= $2
		ORDER BY window_start ASC`

	rows, err := p.pool.Query(ctx, query, deviceID, since)
	if err != nil {
		return nil, storeErr("find aggregates", err)
	}
	defer rows.Close()

	records := make([]telemetry.AggregateRecord, 0, 100)
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, storeErr("find aggregates", err)
		}
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find aggregates", err)
	}
	return records, nil
}

func (p *Postgres) LatestAggregate(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error) {
	query := `SELECT ` + aggregateColumns + `
		FROM telemetry_averages
		WHERE device_id = $1
		ORDER BY window_start DESC
		LIMIT 1`

	a, err := scanAggregate(p.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.AggregateRecord{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.AggregateRecord{}, storeErr("latest aggregate", err)
	}
	return a, nil
}

func (p *Postgres) DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM telemetry_averages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, storeErr("delete aggregates", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func scanReading(row pgx.Row) (telemetry.RawReading, error) {
	var r telemetry.RawReading
	err := row.Scan(&r.ID, &r.DeviceID, &r.Temperature, &r.Humidity, &r.SoilMoisture, &r.ObservedAt, &r.ReceivedAt)
	r.ObservedAt = r.ObservedAt.UTC()
	r.ReceivedAt = r.ReceivedAt.UTC()
	return r, err
}

func scanAggregate(row pgx.Row) (telemetry.AggregateRecord, error) {
	var a telemetry.AggregateRecord
	err := row.Scan(&a.ID, &a.DeviceID, &a.AverageTemperature, &a.AverageHumidity, &a.AverageSoilMoisture,
		&a.SampleCount, &a.WindowStart, &a.WindowEnd, &a.CreatedAt)
	a.WindowStart = a.WindowStart.UTC()
	a.WindowEnd = a.WindowEnd.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}
