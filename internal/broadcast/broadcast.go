// Package broadcast delivers every ingested reading to live observers on a
// best-effort basis: no queuing, no acknowledgment, no replay for observers
// that connect later.
package broadcast

import (
	"context"
	"errors"

	"github.com/segmentio/encoding/json"

	"greenhouse-telemetry/internal/telemetry"
)

// EventReading is the type of the event published for each ingested reading.
const EventReading = "telemetry:update"

// Event is the message observers receive.
type Event struct {
	Type    string               `json:"type"`
	Reading telemetry.RawReading `json:"data"`
}

// NewReadingEvent wraps a normalized reading.
func NewReadingEvent(r telemetry.RawReading) Event {
	return Event{Type: EventReading, Reading: r}
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event produced by Encode.
func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Publisher fans an event out to the observers of one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Sink is a named Publisher.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Fanout publishes to every sink. A failing sink does not stop delivery to
// the others; all failures are returned joined as BroadcastErrors.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a Fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add registers another sink.
func (f *Fanout) Add(name string, p Publisher) {
	f.sinks = append(f.sinks, Sink{Name: name, Publisher: p})
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, e); err != nil {
			errs = append(errs, &telemetry.BroadcastError{Sink: s.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}
