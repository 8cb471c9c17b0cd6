package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/txpipe/service/pipeline"
)

const (
	// StreamName is the name of the JetStream stream for request lifecycle events.
	StreamName = "TXPIPE_EVENTS"

	// SubjectPrefix is prepended to the event type to form a subject.
	SubjectPrefix = "txpipe.events"

	// SubjectAll matches every lifecycle event.
	SubjectAll = SubjectPrefix + ".*"

	// StreamRetention is how long messages are retained (7 days by default).
	StreamRetention = 7 * 24 * time.Hour
)

// Subject returns the subject events of type t are published on,
// e.g. "txpipe.events.confirmed".
func Subject(t pipeline.EventType) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, t)
}

// RequestEvent is the wire form of a pipeline lifecycle event.
type RequestEvent struct {
	Type      pipeline.EventType `json:"type"`
	RequestID string             `json:"request_id"`
	Kind      pipeline.Kind      `json:"kind"`
	Priority  string             `json:"priority"`
	Status    pipeline.Status    `json:"status"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Signature  string `json:"signature,omitempty"`
	Error      string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Source     string `json:"source,omitempty"`

	// Timing information
	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromPipelineEvent converts a pipeline event for publishing.
func FromPipelineEvent(e pipeline.Event) *RequestEvent {
	return &RequestEvent{
		Type:        e.Type,
		RequestID:   e.Request.ID,
		Kind:        e.Request.Kind,
		Priority:    e.Request.Priority.String(),
		Status:      e.Request.Status,
		RetryCount:  e.Request.RetryCount,
		MaxRetries:  e.Request.MaxRetries,
		Signature:   e.Request.Result,
		Error:       e.Request.Error,
		Reason:      e.Reason,
		Source:      e.Request.Source,
		OccurredAt:  e.At,
		PublishedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the event ends the request's lifecycle.
func (e *RequestEvent) Terminal() bool {
	return e.Type == pipeline.EventConfirmed || e.Type == pipeline.EventFailed
}
