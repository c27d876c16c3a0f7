package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types for the proxy, JSON encoded on the wire.

// Outcomes of a proxied request.
const (
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
	OutcomeRejected      = "rejected"
	OutcomeUpstreamError = "upstream_error"
	OutcomeClientError   = "client_error"
)

// Event is anything that can be published.
type Event interface {
	Subject() string
}

// EventMetadata contains common event information
type EventMetadata struct {
	EventID   string `json:"event_id"`
	EntityID  string `json:"entity_id"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// NewMetadata stamps a fresh event id and the current time.
func NewMetadata(source, entityID string) EventMetadata {
	return EventMetadata{
		EventID:   uuid.NewString(),
		EntityID:  entityID,
		Timestamp: time.Now().Unix(),
		Source:    source,
	}
}

// RequestServed event - published when a client connection has been handled
type RequestServed struct {
	Metadata   EventMetadata `json:"metadata"`
	RequestID  string        `json:"request_id"`
	Client     string        `json:"client"`
	Method     string        `json:"method"`
	Target     string        `json:"target"`
	Outcome    string        `json:"outcome"`
	Status     int           `json:"status,omitempty"`
	Bytes      int64         `json:"bytes"`
	DurationMs float64       `json:"duration_ms"`
}

func (e RequestServed) Subject() string {
	return "proxy.request." + e.Outcome
}

// ObjectCached event - published when a response body is stored in the cache
type ObjectCached struct {
	Metadata  EventMetadata `json:"metadata"`
	RequestID string        `json:"request_id"`
	Key       string        `json:"key"`
	Slot      int           `json:"slot"`
	Size      int           `json:"size"`
}

func (e ObjectCached) Subject() string {
	return "proxy.cache.stored"
}
