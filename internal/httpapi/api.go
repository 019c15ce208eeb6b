// Package httpapi exposes ingestion, queries and the live stream over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"greenhouse-telemetry/internal/aggregation"
	"greenhouse-telemetry/internal/query"
	"greenhouse-telemetry/internal/sysstats"
	"greenhouse-telemetry/internal/telemetry"
)

// MaxBodyBytes limits the size of an ingestion request.
const MaxBodyBytes = 1 << 20

// Ingester is the ingestion gateway.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (telemetry.RawReading, error)
}

// Queries is the aggregate query service.
type Queries interface {
	GetAverages(ctx context.Context, deviceID string, days int) (query.AverageRange, error)
	GetLatest(ctx context.Context, deviceID string) (telemetry.AggregateRecord, error)
	LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Aggregations runs the aggregation job on demand.
type Aggregations interface {
	RunOnce(ctx context.Context) (aggregation.RunReport, error)
	Period() time.Duration
}

// StatsCollector reads host statistics.
type StatsCollector interface {
	Collect(ctx context.Context) (sysstats.Stats, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components served by the API. Live and Stats may be nil.
type Deps struct {
	Ingester     Ingester
	Queries      Queries
	Aggregations Aggregations
	Live         http.Handler
	Stats        StatsCollector
	Store        Pinger
	Logger       *slog.Logger
}

// APIHandler groups the HTTP handlers.
type APIHandler struct {
	Deps
	logger *slog.Logger
}

// NewAPIHandler creates the handler set.
func NewAPIHandler(deps Deps) *APIHandler {
	return &APIHandler{Deps: deps, logger: deps.Logger}
}

// RegisterRoutes maps the API onto mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/telemetry", h.handleIngest)
	mux.HandleFunc("GET /api/telemetry/latest/{deviceId}", h.handleLatestReading)

	mux.HandleFunc("GET /api/averages", h.handleAverages)
	mux.HandleFunc("GET /api/averages/latest", h.handleLatestAverage)
	mux.HandleFunc("POST /api/averages/cleanup", h.handleCleanup)
	mux.HandleFunc("POST /api/aggregation/trigger", h.handleTrigger)

	if h.Live != nil {
		mux.Handle("GET /ws", h.Live)
	}
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.Stats != nil {
		mux.HandleFunc("GET /health/system", h.handleSystem)
	}
}

// Router returns every route wrapped in the CORS middleware.
func (h *APIHandler) Router() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return CorsMiddleware(mux)
}

// handleIngest: POST /api/telemetry
func (h *APIHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, h.logger, http.StatusRequestEntityTooLarge, envelope{Message: "Request body too large"})
			return
		}
		writeError(w, h.logger, telemetry.NewValidationError("body", "cannot be read"))
		return
	}

	reading, err := h.Ingester.Ingest(r.Context(), body)
	if err != nil {
		if telemetry.IsValidation(err) {
			h.logger.Warn("reading rejected", "error", err)
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, envelope{
		Success: true,
		Message: "Telemetry data received",
		Data:    reading,
	})
}

// handleLatestReading: GET /api/telemetry/latest/{deviceId}
func (h *APIHandler) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := h.Queries.LatestReading(r.Context(), r.PathValue("deviceId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, envelope{Success: true, Data: reading})
}

type averagesMeta struct {
	DeviceID  string    `json:"deviceId"`
	Days      int       `json:"days"`
	Count     int       `json:"count"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// handleAverages: GET /api/averages?deviceId=gh-01&days=7
func (h *APIHandler) handleAverages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := intParam(q.Get("days"), "days", query.DefaultDays)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.Queries.GetAverages(r.Context(), q.Get("deviceId"), days)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, envelope{
		Success: true,
		Data:    res.Records,
		Meta: averagesMeta{
			DeviceID:  res.DeviceID,
			Days:      res.Days,
			Count:     len(res.Records),
			StartDate: res.From,
			EndDate:   res.To,
		},
	})
}

// handleLatestAverage: GET /api/averages/latest?deviceId=gh-01
func (h *APIHandler) handleLatestAverage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Queries.GetLatest(r.Context(), r.URL.Query().Get("deviceId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, envelope{Success: true, Data: rec})
}

// handleCleanup: POST /api/averages/cleanup?retentionDays=90
func (h *APIHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("retentionDays"), "retentionDays", query.DefaultRetentionDays)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	n, err := h.Queries.Cleanup(r.Context(), days)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, envelope{Success: true, Deleted: &n})
}

// handleTrigger: POST /api/aggregation/trigger
//
// The run is detached from the request; a disconnecting client does not
// cancel it.
func (h *APIHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.Aggregations.Period())
	defer cancel()

	report, err := h.Aggregations.RunOnce(ctx)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, envelope{Success: true, Data: report})
}

// handleHealth: GET /health
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSystem: GET /health/system
func (h *APIHandler) handleSystem(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Stats.Collect(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, envelope{Success: true, Data: stats})
}

func intParam(raw, field string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, telemetry.NewValidationError(field, "must be an integer")
	}
	return n, nil
}

// CorsMiddleware allows browser dashboards on other origins to call the API.
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
