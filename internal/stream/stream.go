// Package stream defines the event protocol of the streaming answer path
// and its server-sent-events encoding.
//
// A stream is an ordered event sequence: a retrieval status, optionally the
// resolved sources, a generation status, the answer tokens, a metadata
// trailer, and a terminal done marker. Failures surface as an error event so
// the client never hangs on a silent close.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sage-edu/sage/pkg/types"
)

// Event type discriminators.
const (
	TypeStatus   = "status"
	TypeSources  = "sources"
	TypeToken    = "token"
	TypeMetadata = "metadata"
	TypeError    = "error"
)

// Status messages emitted by the coordinator.
const (
	StatusRetrieving = "Retrieving relevant documents..."
	StatusGenerating = "Generating answer..."
)

// CancelBudget bounds how long stream teardown may take after the client
// disconnects.
const CancelBudget = 200 * time.Millisecond

// Event is one frame of the streaming protocol. Metadata fields are pointers
// so a zero confidence still serializes.
type Event struct {
	Type           string                 `json:"type,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Sources        []types.SourceDocument `json:"sources,omitempty"`
	Content        string                 `json:"content,omitempty"`
	ProcessingTime *float64               `json:"processing_time,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
	Done           bool                   `json:"done,omitempty"`
}

// Status builds a progress event.
func Status(message string) Event {
	return Event{Type: TypeStatus, Message: message}
}

// Sources builds the resolved-sources event.
func Sources(docs []types.SourceDocument) Event {
	return Event{Type: TypeSources, Sources: docs}
}

// Token builds one answer-fragment event.
func Token(content string) Event {
	return Event{Type: TypeToken, Content: content}
}

// Metadata builds the trailer carrying timing and confidence.
func Metadata(processingTime, confidence float64) Event {
	return Event{Type: TypeMetadata, ProcessingTime: &processingTime, Confidence: &confidence}
}

// Error builds a failure event.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// Done builds the terminal marker.
func Done() Event {
	return Event{Done: true}
}

// Sink consumes events in order. It returns false once the client is gone;
// producers must stop emitting after that.
type Sink func(Event) bool

// EncodeSSE renders the event as one server-sent-events frame.
func EncodeSSE(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("stream: encode event: %w", err)
	}
	return append(append([]byte("data: "), payload...), '\n', '\n'), nil
}

// Headers returns the response headers required for unbuffered SSE delivery.
func Headers() map[string]string {
	return map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
}
