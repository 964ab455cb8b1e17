// Package api defines the JSON messages exchanged over HTTP and WebSocket.
package api

import (
	"time"

	"github.com/skobkin/amdgpu-smi-monitor/internal/publish"
)

// Message types.
const (
	TypeHello       = "hello"
	TypeEvent       = "event"
	TypeError       = "error"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSetInterval = "set_interval"
	TypeInterval    = "interval"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string `json:"type"`
	IntervalMS int64  `json:"interval_ms"`
	Event      string `json:"event"`
	Running    bool   `json:"running"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(interval time.Duration, event string, running bool) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: interval.Milliseconds(),
		Event:      event,
		Running:    running,
	}
}

// EventMessage wraps a published event for transport.
type EventMessage struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// NewEventMessage constructs an event payload.
func NewEventMessage(event publish.Event) EventMessage {
	return EventMessage{
		Type:    TypeEvent,
		Event:   event.Name,
		Payload: event.Payload,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SetIntervalMessage asks the sampler to change its polling interval.
type SetIntervalMessage struct {
	Type    string   `json:"type"`
	Seconds *float64 `json:"seconds"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// IntervalRequest is the body accepted by POST /api/interval.
type IntervalRequest struct {
	Seconds *float64 `json:"seconds"`
}

// IntervalResponse reports the outcome of an interval change.
type IntervalResponse struct {
	Type       string `json:"type,omitempty"`
	Status     string `json:"status"`
	IntervalMS int64  `json:"interval_ms"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status     string `json:"status"`
	Running    bool   `json:"running"`
	ToolPath   string `json:"tool_path"`
	IntervalMS int64  `json:"interval_ms"`
	Ready      bool   `json:"ready"`
}
