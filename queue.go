package queue

import (
	"context"
	"time"
)

// Queue is the public contract shared by every backend, mediated by an
// Engine. All mutating operations act on clones of the caller's message.
type Queue interface {
	// Queue submits a message for delivery. The stored copy gets
	// numRequeues=0 and fresh original/last timestamps; an empty id is
	// replaced with a generated one. Returns false when a bounded queued
	// store rejected the message.
	Queue(ctx context.Context, msg Message) (bool, error)

	// Requeue puts a taken message back for redelivery, incrementing its
	// requeue counter and refreshing its timestamp.
	Requeue(ctx context.Context, msg Message) (bool, error)

	// RequeueSilent puts a taken message back without touching counters or
	// timestamps.
	RequeueSilent(ctx context.Context, msg Message) (bool, error)

	// Finish acknowledges a taken message, removing it from the in-flight
	// store. Idempotent; a no-op on backends without an in-flight store.
	Finish(ctx context.Context, msg Message) error

	// Take delivers the next queued message, recording it as in-flight on
	// backends that track acknowledgement. Returns nil when the queue is
	// empty.
	Take(ctx context.Context) (Message, error)

	// OrphanMessages lists in-flight messages older than the threshold.
	OrphanMessages(ctx context.Context, threshold time.Duration) ([]Message, error)

	// MoveFromEphemeralToQueue returns an orphaned in-flight message to the
	// queued store with its counters unchanged.
	MoveFromEphemeralToQueue(ctx context.Context, msg Message) (bool, error)

	// QueueSize reports the queued-store size, or -1 when unsupported.
	QueueSize(ctx context.Context) int

	// EphemeralSize reports the in-flight-store size, or -1 when unsupported.
	EphemeralSize(ctx context.Context) int

	Init() error
	Close() error
}
