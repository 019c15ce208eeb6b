package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/segmentio/encoding/json"

	"greenhouse-telemetry/internal/telemetry"
)

// ErrNotFound is returned when the API has no reading for the device.
var ErrNotFound = errors.New("no reading for device")

// Payload is the body of POST /api/telemetry.
type Payload struct {
	DeviceID     string     `json:"deviceId"`
	Temperature  *float64   `json:"temperature,omitempty"`
	Humidity     *float64   `json:"humidity,omitempty"`
	SoilMoisture *float64   `json:"soilMoisture,omitempty"`
	ObservedAt   *time.Time `json:"observedAt,omitempty"`
}

type apiResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    telemetry.RawReading   `json:"data"`
	Errors  []telemetry.FieldError `json:"errors"`
}

// APIClient talks to the telemetry API.
type APIClient struct {
	BaseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client with a 5 second request timeout.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send posts one reading and returns the normalized reading.
func (c *APIClient) Send(ctx context.Context, p Payload) (telemetry.RawReading, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return telemetry.RawReading{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/telemetry", bytes.NewReader(body))
	if err != nil {
		return telemetry.RawReading{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.do(req)
	if err != nil {
		return telemetry.RawReading{}, err
	}
	if res.status == http.StatusBadRequest {
		return telemetry.RawReading{}, &telemetry.ValidationError{Fields: res.body.Errors}
	}
	if res.status != http.StatusCreated {
		return telemetry.RawReading{}, fmt.Errorf("API returned status %d: %s", res.status, res.body.Message)
	}
	return res.body.Data, nil
}

// Latest fetches the device's most recent reading.
func (c *APIClient) Latest(ctx context.Context, deviceID string) (telemetry.RawReading, error) {
	u := c.BaseURL + "/api/telemetry/latest/" + url.PathEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return telemetry.RawReading{}, err
	}

	res, err := c.do(req)
	if err != nil {
		return telemetry.RawReading{}, err
	}
	switch res.status {
	case http.StatusOK:
		return res.body.Data, nil
	case http.StatusNotFound:
		return telemetry.RawReading{}, ErrNotFound
	default:
		return telemetry.RawReading{}, fmt.Errorf("API returned status %d: %s", res.status, res.body.Message)
	}
}

type result struct {
	status int
	body   apiResponse
}

func (c *APIClient) do(req *http.Request) (result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result{}, fmt.Errorf("calling API: %w", err)
	}
	defer resp.Body.Close()

	out := result{status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&out.body); err != nil {
		return out, fmt.Errorf("decoding API response: %w", err)
	}
	return out, nil
}
