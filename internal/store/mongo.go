package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"greenhouse-telemetry/internal/telemetry"
)

const (
	readingsCollection   = "telemetry_readings"
	aggregatesCollection = "telemetry_averages"
)

type readingDoc struct {
	ID           string    `bson:"_id"`
	DeviceID     string    `bson:"deviceId"`
	Temperature  *float64  `bson:"temperature"`
	Humidity     *float64  `bson:"humidity"`
	SoilMoisture *float64  `bson:"soilMoisture"`
	ObservedAt   time.Time `bson:"observedAt"`
	ReceivedAt   time.Time `bson:"receivedAt"`
}

type aggregateDoc struct {
	ID                  string    `bson:"_id"`
	DeviceID            string    `bson:"deviceId"`
	AverageTemperature  *float64  `bson:"averageTemperature"`
	AverageHumidity     *float64  `bson:"averageHumidity"`
	AverageSoilMoisture *float64  `bson:"averageSoilMoisture"`
	SampleCount         int       `bson:"sampleCount"`
	WindowStart         time.Time `bson:"windowStart"`
	WindowEnd           time.Time `bson:"windowEnd"`
	CreatedAt           time.Time `bson:"createdAt"`
}

// Mongo stores readings and averages in two MongoDB collections.
type Mongo struct {
	client     *mongo.Client
	readings   *mongo.Collection
	aggregates *mongo.Collection
}

// NewMongo connects to MongoDB and verifies the connection with a ping.
func NewMongo(ctx context.Context, url, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("invalid mongo configuration: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo unavailable: %w", err)
	}

	db := client.Database(database)
	return &Mongo{
		client:     client,
		readings:   db.Collection(readingsCollection),
		aggregates: db.Collection(aggregatesCollection),
	}, nil
}

// Migrate creates the indexes, including the unique window index.
func (m *Mongo) Migrate(ctx context.Context) error {
	_, err := m.readings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "deviceId", Value: 1}, {Key: "receivedAt", Value: -1}}},
		{Keys: bson.D{{Key: "receivedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create reading indexes: %w", err)
	}

	_, err = m.aggregates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "deviceId", Value: 1},
				{Key: "windowStart", Value: 1},
				{Key: "windowEnd", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "deviceId", Value: 1}, {Key: "windowStart", Value: -1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create aggregate indexes: %w", err)
	}
	return nil
}

func (m *Mongo) InsertReading(ctx context.Context, r telemetry.RawReading) error {
	doc := readingDoc(r)
	if _, err := m.readings.InsertOne(ctx, doc); err != nil {
		return storeErr("insert reading", err)
	}
	return nil
}

func (m *Mongo) InsertAggregate(ctx context.Context, a telemetry.AggregateRecord) error {
	doc := aggregateDoc(a)
	if _, err := m.aggregates.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return telemetry.ErrDuplicateWindow
		}
		return storeErr("insert aggregate", err)
	}
	return nil
}

func receivedBetween(from, to time.Time) bson.D {
	return bson.D{{Key: "$gte", Value: from}, {Key: "$lt", Value: to}}
}

func (m *Mongo) FindReadings(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.RawReading, error) {
	filter := bson.D{
		{Key: "deviceId", Value: deviceID},
		{Key: "receivedAt", Value: receivedBetween(from, to)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}})

	cursor, err := m.readings.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("find readings", err)
	}
	defer cursor.Close(ctx)

	readings := make([]telemetry.RawReading, 0, 64)
	for cursor.Next(ctx) {
		var doc readingDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storeErr("find readings", err)
		}
		readings = append(readings, doc.reading())
	}
	if err := cursor.Err(); err != nil {
		return nil, storeErr("find readings", err)
	}
	return readings, nil
}

func (m *Mongo) ActiveDevices(ctx context.Context, from, to time.Time) ([]string, error) {
	values, err := m.readings.Distinct(ctx, "deviceId", bson.D{{Key: "receivedAt", Value: receivedBetween(from, to)}})
	if err != nil {
		return nil, storeErr("active devices", err)
	}

	devices := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			devices = append(devices, id)
		}
	}
	sort.Strings(devices)
	return devices, nil
}

func (m *Mongo) LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "receivedAt", Value: -1}})

	var doc readingDoc
	err := m.readings.FindOne(ctx, bson.D{{Key: "deviceId", Value: deviceID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return telemetry.RawReading{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.RawReading{}, storeErr("latest reading", err)
	}
	return doc.reading(), nil
}

func (m *Mongo) FindAggregates(ctx context.Context, deviceID string, since time.Time) ([]telemetry.AggregateRecord, error) {
	filter := bson.D{
		{Key: "deviceId", Value: deviceID},
		{Key: "windowStart", Value: bson.D{{Key: "$gte", Value: since}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "windowStart", Value: 1}})

	cursor, err := m.aggregates.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("find aggregates", err)
	}
	defer cursor.Close(ctx)

	records := make([]telemetry.AggregateRecord, 0, 100)
	for cursor.Next(ctx) {
		var doc aggregateDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storeErr("find aggregates", err)
		}
		records = append(records, doc.record())
	}
	if err := cursor.Err(); err != nil {
		return nil, storeErr("find aggregates", err)
	}
	return records, nil
}

func (m *Mongo) LatestAggregate(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "windowStart", Value: -1}})

	var doc aggregateDoc
	err := m.aggregates.FindOne(ctx, bson.D{{Key: "deviceId", Value: deviceID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return telemetry.AggregateRecord{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.AggregateRecord{}, storeErr("latest aggregate", err)
	}
	return doc.record(), nil
}

func (m *Mongo) DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.aggregates.DeleteMany(ctx, bson.D{{Key: "createdAt", Value: bson.D{{Key: "$lt", Value: cutoff}}}})
	if err != nil {
		return 0, storeErr("delete aggregates", err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() {
	_ = m.client.Disconnect(context.Background())
}

func (d readingDoc) reading() telemetry.RawReading {
	r := telemetry.RawReading(d)
	r.ObservedAt = r.ObservedAt.UTC()
	r.ReceivedAt = r.ReceivedAt.UTC()
	return r
}

func (d aggregateDoc) record() telemetry.AggregateRecord {
	a := telemetry.AggregateRecord(d)
	a.WindowStart = a.WindowStart.UTC()
	a.WindowEnd = a.WindowEnd.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a
}
