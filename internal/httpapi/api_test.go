package httpapi_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"

	"greenhouse-telemetry/internal/aggregation"
	"greenhouse-telemetry/internal/httpapi"
	"greenhouse-telemetry/internal/ingest"
	"greenhouse-telemetry/internal/query"
	"greenhouse-telemetry/internal/store"
	"greenhouse-telemetry/internal/sysstats"
	"greenhouse-telemetry/internal/telemetry"
)

var windowEnd = time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	srv   *httptest.Server
	mem   *store.Memory
	clock *clock
}

type deps func(*httpapi.Deps)

func setup(t *testing.T, opts ...deps) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	clk := &clock{now: windowEnd}

	d := httpapi.Deps{
		Ingester:     ingest.NewGateway(mem, nil, logger, ingest.WithClock(clk.Now)),
		Queries:      query.NewService(mem, logger, clk.Now),
		Aggregations: aggregation.NewScheduler(mem, aggregation.Options{Now: clk.Now, Logger: logger}),
		Store:        mem,
		Logger:       logger,
	}
	for _, o := range opts {
		o(&d)
	}

	srv := httptest.NewServer(httpapi.NewAPIHandler(d).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, mem: mem, clock: clk}
}

type response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    json.RawMessage        `json:"data"`
	Meta    map[string]any         `json:"meta"`
	Deleted *int64                 `json:"deleted"`
	Errors  []telemetry.FieldError `json:"errors"`
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out response
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res.StatusCode, out
}

func TestIngestCreated(t *testing.T) {
	f := setup(t)

	status, res := f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":"gh-01","temperature":21.5,"humidity":40,"soilMoisture":35}`)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, res.Success)

	var r telemetry.RawReading
	require.NoError(t, json.Unmarshal(res.Data, &r))
	require.Equal(t, "gh-01", r.DeviceID)
	require.Equal(t, windowEnd, r.ReceivedAt)
	require.Equal(t, windowEnd, r.ObservedAt)
	require.Len(t, f.mem.Readings(), 1)
}

func TestIngestOutOfRangeIsRejected(t *testing.T) {
	f := setup(t)

	status, res := f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":"dev-1","temperature":150}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, res.Success)
	require.Equal(t, "Validation error", res.Message)
	require.Len(t, res.Errors, 1)
	require.Equal(t, telemetry.FieldTemperature, res.Errors[0].Field)
	require.Empty(t, f.mem.Readings())
}

func TestIngestMalformedBody(t *testing.T) {
	f := setup(t)

	status, res := f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "body", res.Errors[0].Field)

	big := `{"deviceId":"` + strings.Repeat("x", httpapi.MaxBodyBytes) + `"}`
	status, _ = f.do(t, http.MethodPost, "/api/telemetry", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
	require.Empty(t, f.mem.Readings())
}

type brokenStore struct{}

func (brokenStore) InsertReading(context.Context, telemetry.RawReading) error {
	return errors.New("disk full")
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("disk full")
}

func TestIngestStoreFailureIsServerError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := setup(t, func(d *httpapi.Deps) {
		d.Ingester = ingest.NewGateway(brokenStore{}, nil, logger)
		d.Store = brokenStore{}
	})

	status, res := f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":"gh-01","temperature":20}`)
	require.Equal(t, http.StatusInternalServerError, status)
	require.False(t, res.Success)

	status, _ = f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestLatestReading(t *testing.T) {
	f := setup(t)

	status, res := f.do(t, http.MethodGet, "/api/telemetry/latest/gh-01", "")
	require.Equal(t, http.StatusNotFound, status)
	require.False(t, res.Success)

	f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":"gh-01","temperature":20}`)
	f.clock.Set(windowEnd.Add(time.Second))
	f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":"gh-01","temperature":23}`)

	status, res = f.do(t, http.MethodGet, "/api/telemetry/latest/gh-01", "")
	require.Equal(t, http.StatusOK, status)
	var r telemetry.RawReading
	require.NoError(t, json.Unmarshal(res.Data, &r))
	require.Equal(t, 23.0, *r.Temperature)
}

func TestIngestAggregateQueryEndToEnd(t *testing.T) {
	f := setup(t)
	start := windowEnd.Add(-5 * time.Minute)

	for i, temp := range []string{"20", "22", "24", "26", "28"} {
		f.clock.Set(start.Add(time.Duration(i) * time.Minute))
		status, _ := f.do(t, http.MethodPost, "/api/telemetry", `{"deviceId":"dev-1","temperature":`+temp+`}`)
		require.Equal(t, http.StatusCreated, status)
	}

	f.clock.Set(windowEnd)
	status, res := f.do(t, http.MethodPost, "/api/aggregation/trigger", "")
	require.Equal(t, http.StatusOK, status)
	var report aggregation.RunReport
	require.NoError(t, json.Unmarshal(res.Data, &report))
	require.Equal(t, 1, report.Written)

	status, res = f.do(t, http.MethodGet, "/api/averages?deviceId=dev-1&days=1", "")
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, res.Meta["count"])
	require.Equal(t, "dev-1", res.Meta["deviceId"])

	var recs []telemetry.AggregateRecord
	require.NoError(t, json.Unmarshal(res.Data, &recs))
	require.Len(t, recs, 1)
	require.Equal(t, 24.0, *recs[0].AverageTemperature)
	require.Equal(t, 5, recs[0].SampleCount)

	status, res = f.do(t, http.MethodGet, "/api/averages/latest?deviceId=dev-1", "")
	require.Equal(t, http.StatusOK, status)
	var latest telemetry.AggregateRecord
	require.NoError(t, json.Unmarshal(res.Data, &latest))
	require.Equal(t, recs[0].ID, latest.ID)
}

func TestAveragesValidation(t *testing.T) {
	f := setup(t)

	for _, path := range []string{
		"/api/averages",
		"/api/averages?deviceId=dev-1&days=abc",
		"/api/averages?deviceId=dev-1&days=0",
		"/api/averages?deviceId=dev-1&days=91",
	} {
		status, res := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusBadRequest, status, path)
		require.NotEmpty(t, res.Errors, path)
	}

	status, res := f.do(t, http.MethodGet, "/api/averages?deviceId=dev-1", "")
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 7, res.Meta["days"])
	require.EqualValues(t, 0, res.Meta["count"])

	status, _ = f.do(t, http.MethodGet, "/api/averages/latest?deviceId=dev-1", "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestCleanup(t *testing.T) {
	f := setup(t)
	old := windowEnd.AddDate(0, 0, -100)
	require.NoError(t, f.mem.InsertAggregate(context.Background(), telemetry.AggregateRecord{
		ID: "old", DeviceID: "dev-1", SampleCount: 1,
		WindowStart: old, WindowEnd: old.Add(5 * time.Minute), CreatedAt: old,
	}))

	status, res := f.do(t, http.MethodPost, "/api/averages/cleanup", "")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, res.Deleted)
	require.EqualValues(t, 1, *res.Deleted)

	status, _ = f.do(t, http.MethodPost, "/api/averages/cleanup?retentionDays=0", "")
	require.Equal(t, http.StatusBadRequest, status)
}

type busyScheduler struct{}

func (busyScheduler) RunOnce(context.Context) (aggregation.RunReport, error) {
	return aggregation.RunReport{}, aggregation.ErrRunInProgress
}

func (busyScheduler) Period() time.Duration { return time.Minute }

func TestTriggerWhileRunning(t *testing.T) {
	f := setup(t, func(d *httpapi.Deps) { d.Aggregations = busyScheduler{} })

	status, res := f.do(t, http.MethodPost, "/api/aggregation/trigger", "")
	require.Equal(t, http.StatusConflict, status)
	require.False(t, res.Success)
}

type fixedStats struct{}

func (fixedStats) Collect(context.Context) (sysstats.Stats, error) {
	return sysstats.Stats{CPULoad: 12.5, RAMTotalMB: 2048}, nil
}

func TestHealth(t *testing.T) {
	f := setup(t, func(d *httpapi.Deps) { d.Stats = fixedStats{} })

	status, _ := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, status)

	status, res := f.do(t, http.MethodGet, "/health/system", "")
	require.Equal(t, http.StatusOK, status)
	var s sysstats.Stats
	require.NoError(t, json.Unmarshal(res.Data, &s))
	require.Equal(t, 12.5, s.CPULoad)
}

func TestCorsPreflight(t *testing.T) {
	f := setup(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/telemetry", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}
