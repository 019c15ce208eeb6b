package telemetry

import (
	"math"
	"strings"

	"github.com/relvacode/iso8601"
	"github.com/segmentio/encoding/json"
)

// Payload field names.
const (
	FieldDeviceID     = "deviceId"
	FieldTemperature  = "temperature"
	FieldHumidity     = "humidity"
	FieldSoilMoisture = "soilMoisture"
	FieldObservedAt   = "observedAt"

	// fieldTimestamp is the legacy name for observedAt still sent by older firmware.
	fieldTimestamp = "timestamp"
)

// DecodePayload parses a raw JSON body into an untyped payload.
func DecodePayload(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewValidationError("body", "must be a JSON object: %v", err)
	}
	if payload == nil {
		return nil, NewValidationError("body", "must be a JSON object")
	}
	return payload, nil
}

// Validate checks an untyped payload and returns the normalized reading.
// Every violated constraint is reported, not just the first one. ID,
// ReceivedAt and a missing ObservedAt are left zero for the caller to assign.
func Validate(payload map[string]any) (RawReading, error) {
	var (
		r    RawReading
		errs ValidationError
	)

	switch v := payload[FieldDeviceID].(type) {
	case string:
		r.DeviceID = strings.TrimSpace(v)
		if r.DeviceID == "" {
			errs.Add(FieldDeviceID, "is required")
		}
	case nil:
		errs.Add(FieldDeviceID, "is required")
	default:
		errs.Add(FieldDeviceID, "must be a string")
	}

	r.Temperature = checkRange(&errs, payload, FieldTemperature, MinTemperature, MaxTemperature)
	r.Humidity = checkRange(&errs, payload, FieldHumidity, MinPercent, MaxPercent)
	r.SoilMoisture = checkRange(&errs, payload, FieldSoilMoisture, MinPercent, MaxPercent)

	raw, ok := payload[FieldObservedAt]
	field := FieldObservedAt
	if !ok || raw == nil {
		raw = payload[fieldTimestamp]
		field = fieldTimestamp
	}
	switch v := raw.(type) {
	case nil:
	case string:
		t, err := iso8601.ParseString(v)
		if err != nil {
			errs.Add(field, "must be an ISO 8601 timestamp")
		} else {
			r.ObservedAt = t.UTC()
		}
	default:
		errs.Add(field, "must be an ISO 8601 timestamp string")
	}

	if err := errs.OrNil(); err != nil {
		return RawReading{}, err
	}
	return r, nil
}

func checkRange(errs *ValidationError, payload map[string]any, field string, lo, hi float64) *float64 {
	raw, ok := payload[field]
	if !ok || raw == nil {
		errs.Add(field, "is required")
		return nil
	}
	v, ok := number(raw)
	if !ok {
		errs.Add(field, "must be a number")
		return nil
	}
	if v < lo || v > hi {
		errs.Add(field, "must be between %g and %g", lo, hi)
		return nil
	}
	return &v
}

func number(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
