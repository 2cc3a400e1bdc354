package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// MaxTypeSegments is the number of dot-delimited segments used for type matching.
const MaxTypeSegments = 3

// Event is an immutable fact published by a producer.
type Event struct {
	UUID                               string          `json:"uuid"`
	Tenant                             string          `json:"tenant"`
	Source                             string          `json:"source"`
	Type                               string          `json:"type"`
	Subject                            string          `json:"subject"`
	Data                               json.RawMessage `json:"data,omitempty"`
	SeriesID                           string          `json:"seriesId,omitempty"`
	SeriesSeqID                        int64           `json:"seriesSeqId,omitempty"`
	Timestamp                          time.Time       `json:"timestamp"`
	ProducingUser                      string          `json:"user,omitempty"`
	DeleteSubscriptionsMatchingSubject bool            `json:"deleteSubscriptionsMatchingSubject,omitempty"`
}

// DecodeEvent parses the inbound JSON form of an event. It does not validate.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, invalid("event", "malformed json: %v", err)
	}
	return e, nil
}

// Normalize fills defaults that producers may omit.
func (e *Event) Normalize(receivedAt time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = receivedAt
	}
	e.Timestamp = e.Timestamp.UTC()
}

// Validate checks the fields required for dispatch.
func (e *Event) Validate() error {
	if e.UUID == "" {
		return invalid("uuid", "is required")
	}
	if e.Tenant == "" {
		return invalid("tenant", "is required")
	}
	if e.Source == "" {
		return invalid("source", "is required")
	}
	if e.Subject == "" {
		return invalid("subject", "is required")
	}
	if e.Type == "" {
		return invalid("type", "is required")
	}
	parts := strings.Split(e.Type, ".")
	if len(parts) > MaxTypeSegments {
		return invalid("type", "must have at most %d segments, got %q", MaxTypeSegments, e.Type)
	}
	for _, p := range parts {
		if p == "" {
			return invalid("type", "contains an empty segment: %q", e.Type)
		}
	}
	if e.SeriesSeqID < 0 {
		return invalid("seriesSeqId", "must not be negative")
	}
	if e.SeriesSeqID != 0 && e.SeriesID == "" {
		return invalid("seriesSeqId", "requires seriesId")
	}
	return nil
}

// TypeSegments splits the event type into its ordered segments.
// Missing trailing segments are returned empty.
func (e *Event) TypeSegments() [MaxTypeSegments]string {
	return splitSegments(e.Type)
}

// InSeries reports whether the event belongs to an ordered series.
func (e *Event) InSeries() bool {
	return e.SeriesID != ""
}

func splitSegments(s string) [MaxTypeSegments]string {
	var out [MaxTypeSegments]string
	if s == "" {
		return out
	}
	parts := strings.SplitN(s, ".", MaxTypeSegments)
	copy(out[:], parts)
	return out
}
