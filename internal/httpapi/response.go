package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/segmentio/encoding/json"

	"greenhouse-telemetry/internal/aggregation"
	"greenhouse-telemetry/internal/telemetry"
)

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    any                    `json:"data,omitempty"`
	Meta    any                    `json:"meta,omitempty"`
	Deleted *int64                 `json:"deleted,omitempty"`
	Errors  []telemetry.FieldError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("writing JSON response failed", "error", err)
	}
}

// writeError maps err onto the API's status codes. Only unexpected
// failures are logged at error level.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *telemetry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, logger, http.StatusBadRequest, envelope{
			Message: "Validation error",
			Errors:  verr.Fields,
		})
	case errors.Is(err, telemetry.ErrNotFound):
		writeJSON(w, logger, http.StatusNotFound, envelope{Message: "Not found"})
	case errors.Is(err, aggregation.ErrRunInProgress):
		writeJSON(w, logger, http.StatusConflict, envelope{Message: err.Error()})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, logger, http.StatusInternalServerError, envelope{Message: "Internal server error"})
	}
}
