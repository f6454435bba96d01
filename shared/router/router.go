// Package router defines the MessageRouter interface — the single boundary
// between the tracking service and the message broker (NATS JetStream).
//
// The realtime pipeline only needs two broker capabilities: deliver a payload
// to a connection's subject, and carry control/lifecycle messages back from
// connections. Core packages depend on this interface, never on NATS directly,
// so swapping the broker means implementing this interface.
package router

import (
	"context"
	"time"
)

// Message is a received message from the broker.
type Message struct {
	Subject string
	Data    []byte
	// Reply is set for request-reply patterns (subscription acks use it).
	Reply string
}

// PubOptions controls publish behavior.
type PubOptions struct {
	// DeduplicationID enables exactly-once delivery via the JetStream dedup
	// window. Telemetry fan-out never sets it — delivery is best-effort.
	DeduplicationID string
	// TTL hints how long the message should be retained. 0 = stream default.
	TTL time.Duration
}

// SubOptions controls subscription behavior.
type SubOptions struct {
	// Durable names the consumer for JetStream durable subscriptions.
	// Empty = ephemeral subscription (core NATS, no persistence, no replay).
	Durable string
	// StartTime requests replay from this time forward (JetStream only).
	StartTime *time.Time
	// AckWait is how long JetStream waits for Ack() before redelivering.
	AckWait time.Duration
}

// MessageRouter is the interface the service uses to publish and subscribe.
// Implementations must be goroutine-safe.
type MessageRouter interface {
	// Publish sends a message to a subject.
	// High-frequency telemetry and fan-out use core NATS subjects (no
	// persistence); control subjects may ride on JetStream.
	Publish(ctx context.Context, subject string, data []byte, opts ...PubOptions) error

	// Subscribe returns a channel of messages matching the subject pattern.
	// Supports NATS wildcards: tracking.client.* (every connection subject).
	// The returned channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, subject string, opts ...SubOptions) (<-chan *Message, error)

	// EnsureStream creates or updates a JetStream stream covering subjects.
	EnsureStream(ctx context.Context, name string, subjects []string) error

	// Close cleans up the router's resources.
	Close() error
}
