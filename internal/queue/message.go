// Package queue implements the persistent outbound delivery queue: it accepts
// message-send requests, schedules them with human-like pacing, and drives
// them to completion with bounded retries through the device registry.
package queue

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// QueuedMessage is one unit of pending outbound work. It is owned exclusively
// by the queue while resident: only the processing loop mutates Attempts and
// ScheduledAt.
type QueuedMessage struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	To       string `json:"to"`
	Kind     Kind   `json:"kind"`
	Content  string `json:"content"`
	// MediaPayload is base64-encoded when Kind is media.
	MediaPayload string   `json:"media_payload,omitempty"`
	MediaType    string   `json:"media_type,omitempty"`
	Priority     Priority `json:"priority"`
	// ScheduledAt is the epoch-millis timestamp before which the message must
	// not be sent. Priority is stored but does not reorder the queue.
	ScheduledAt int64 `json:"scheduled_at"`
	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`
	CreatedAt   int64 `json:"created_at"`
	DelayMs     int64 `json:"delay_ms"`
}

// EnqueueRequest is the caller-facing shape of a send request.
type EnqueueRequest struct {
	DeviceID     string   `json:"device_id"`
	To           string   `json:"to"`
	Kind         Kind     `json:"kind"`
	Content      string   `json:"content"`
	MediaPayload string   `json:"media_payload,omitempty"`
	MediaType    string   `json:"media_type,omitempty"`
	Priority     Priority `json:"priority"`
	MaxAttempts  int      `json:"max_attempts"`
}

// QueueStatus is an approximate, eventually consistent snapshot of queue depth.
type QueueStatus struct {
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	TotalQueued int64 `json:"total_queued"`
}

// DeviceStatus reports per-device throughput state.
type DeviceStatus struct {
	MessagesInLast60s int   `json:"messages_in_last_60s"`
	LastMessageTime   int64 `json:"last_message_time"`
	QueuedMessages    int   `json:"queued_messages"`
}

// Sender is the send capability of a single connected device.
type Sender interface {
	SendText(ctx context.Context, to, content string, typing time.Duration) error
	SendMedia(ctx context.Context, to string, payload []byte, mediaType, caption string) error
}

// Device is a registry lookup result: connection readiness plus the send
// capability to use when ready.
type Device struct {
	Ready  bool
	Sender Sender
}

// DeviceProvider resolves device ids to their current state. Implemented by
// the registry; faked in tests.
type DeviceProvider interface {
	Device(id string) (Device, error)
}

// ActivityRecorder receives the outcome of every send attempt. Implementations
// must never block the send path on telemetry failures.
type ActivityRecorder interface {
	RecordSent(deviceID string, elapsed time.Duration)
	RecordFailed(deviceID string, sendErr error)
}

// SafetyGate is consulted before each risky send; an unsafe verdict defers the
// message without consuming an attempt.
type SafetyGate interface {
	SafeToSend(ctx context.Context, deviceID string) (bool, string)
}

// typingDelay mimics the time a human would spend composing content.
func typingDelay(content string) time.Duration {
	d := time.Duration(len(content)) * 50 * time.Millisecond
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	return d
}
