package queue

import (
	"context"
	"time"
)

// Backend is the narrow port every storage adapter provides. The engine
// drives all state transitions through it.
//
// Counting methods return -1 with a nil error when the backend cannot report
// a size. Operations a backend cannot honor return ErrUnsupported.
type Backend interface {
	// Init prepares the backend (connects clients, creates schema).
	Init() error

	// Close releases backend resources. Owned clients are destroyed,
	// borrowed clients are left untouched.
	Close() error

	// Push appends a message to the tail of the queued store. Returns false
	// without error when a bounded store is full. An insert colliding with
	// an existing id fails with ErrDuplicateKey.
	Push(ctx context.Context, msg Message) (bool, error)

	// Pop removes and returns the head of the queued store, or nil when the
	// store is empty.
	Pop(ctx context.Context) (Message, error)

	// Stash records a message as in-flight. Idempotent on duplicate id.
	Stash(ctx context.Context, msg Message, takenAt time.Time) error

	// Unstash removes a message from the in-flight store. Idempotent.
	Unstash(ctx context.Context, id string) error

	// QueuedCount reports the queued-store size, best effort.
	QueuedCount(ctx context.Context) (int, error)

	// EphemeralCount reports the in-flight-store size, best effort.
	EphemeralCount(ctx context.Context) (int, error)

	// ScanOrphans returns up to limit in-flight messages that were never
	// acknowledged and are older than the given instant. The sqlq, inmem and
	// mongoq backends measure age from the original queue time; redisq and
	// pebbleq measure it from the take time.
	ScanOrphans(ctx context.Context, before time.Time, limit int) ([]Message, error)

	// MoveEphemeralToQueued atomically removes the message with the given id
	// from the in-flight store and appends it to the queued store. Returns
	// false when the id is not in flight.
	MoveEphemeralToQueued(ctx context.Context, id string) (bool, error)
}

// TakeSupport is implemented by backends that pop and stash in a single
// atomic step (server-side script, transaction, or batch). The engine prefers
// it over the Pop+Stash sequence.
type TakeSupport interface {
	Take(ctx context.Context, takenAt time.Time) (Message, error)
}

// RequeueSupport is implemented by backends that move a message from the
// in-flight store back to the queued store in a single atomic step. The
// message passed in already carries its final counters and timestamps.
type RequeueSupport interface {
	Requeue(ctx context.Context, msg Message) (bool, error)
}
