// Package inmem implements the queue backend on process-local containers: a
// FIFO container as the queued store and a map keyed by id as the in-flight
// store. Suitable for tests, tooling, and single-process pipelines.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	queue "github.com/blameswood/ddth-queue"
)

// Options configures an in-memory backend.
type Options struct {
	// Boundary caps the queued store; <= 0 means unbounded. Bounds up to
	// 1024 use an array-backed ring, larger bounds a node-backed list.
	Boundary int
	// EphemeralDisabled turns off in-flight tracking; Take becomes
	// fire-and-forget and Finish a no-op.
	EphemeralDisabled bool
	// EphemeralMaxSize caps the in-flight store; <= 0 means unbounded. When
	// saturated, Take returns nothing even if the queued store has items.
	EphemeralMaxSize int
}

var (
	_ queue.Backend        = (*Backend)(nil)
	_ queue.TakeSupport    = (*Backend)(nil)
	_ queue.RequeueSupport = (*Backend)(nil)
)

// Backend is the in-memory queue backend.
type Backend struct {
	opts Options

	queued container

	mu        sync.Mutex
	ephemeral map[string]queue.Message
}

// New creates an in-memory backend.
func New(opts Options) *Backend {
	return &Backend{opts: opts}
}

// Init builds the containers per the configured bounds.
func (b *Backend) Init() error {
	if b.queued != nil {
		return nil
	}
	b.queued = newContainer(b.opts.Boundary)
	if !b.opts.EphemeralDisabled {
		b.ephemeral = make(map[string]queue.Message)
	}
	return nil
}

// Close releases nothing; present to satisfy the port.
func (b *Backend) Close() error { return nil }

// Push appends to the queued container. Returns false on overflow.
func (b *Backend) Push(_ context.Context, msg queue.Message) (bool, error) {
	return b.queued.Offer(msg), nil
}

// Pop removes the head of the queued container.
func (b *Backend) Pop(_ context.Context) (queue.Message, error) {
	return b.queued.Poll(), nil
}

// Stash records a message as in-flight.
func (b *Backend) Stash(_ context.Context, msg queue.Message, _ time.Time) error {
	if b.opts.EphemeralDisabled {
		return queue.ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.ephemeral[msg.ID()]; exists {
		return fmt.Errorf("stash %s: %w", msg.ID(), queue.ErrDuplicateKey)
	}
	b.ephemeral[msg.ID()] = msg
	return nil
}

// Unstash drops an in-flight entry. Idempotent.
func (b *Backend) Unstash(_ context.Context, id string) error {
	if b.opts.EphemeralDisabled {
		return queue.ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ephemeral, id)
	return nil
}

// Take pops and stashes under one lock so a message is never visible in both
// stores. Backpressure: when the in-flight store is at its cap, nothing is
// popped and nil is returned even if the queued store has items.
func (b *Backend) Take(_ context.Context, _ time.Time) (queue.Message, error) {
	if b.opts.EphemeralDisabled {
		return b.queued.Poll(), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opts.EphemeralMaxSize > 0 && len(b.ephemeral) >= b.opts.EphemeralMaxSize {
		return nil, nil
	}
	msg := b.queued.Poll()
	if msg == nil {
		return nil, nil
	}
	if _, exists := b.ephemeral[msg.ID()]; !exists {
		b.ephemeral[msg.ID()] = msg
	}
	return msg, nil
}

// Requeue moves a message from in-flight back to queued in one step. The
// in-flight entry is dropped before the offer so the id is never present in
// both stores; on overflow it is restored and false returned.
func (b *Backend) Requeue(_ context.Context, msg queue.Message) (bool, error) {
	if b.opts.EphemeralDisabled {
		return b.queued.Offer(msg), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stashed, wasInFlight := b.ephemeral[msg.ID()]
	delete(b.ephemeral, msg.ID())
	if !b.queued.Offer(msg) {
		if wasInFlight {
			b.ephemeral[msg.ID()] = stashed
		}
		return false, nil
	}
	return true, nil
}

// QueuedCount reports the queued container size.
func (b *Backend) QueuedCount(_ context.Context) (int, error) {
	return b.queued.Len(), nil
}

// EphemeralCount reports the in-flight store size, -1 when disabled.
func (b *Backend) EphemeralCount(_ context.Context) (int, error) {
	if b.opts.EphemeralDisabled {
		return -1, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ephemeral), nil
}

// ScanOrphans lists in-flight messages first queued before the given instant.
func (b *Backend) ScanOrphans(_ context.Context, before time.Time, limit int) ([]queue.Message, error) {
	if b.opts.EphemeralDisabled {
		return nil, queue.ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var orphans []queue.Message
	for _, msg := range b.ephemeral {
		if msg.OriginalTimestamp().Before(before) {
			orphans = append(orphans, msg)
			if limit > 0 && len(orphans) >= limit {
				break
			}
		}
	}
	return orphans, nil
}

// MoveEphemeralToQueued removes an in-flight entry and offers it back to the
// queued store. On overflow the entry is restored so the message is not lost.
func (b *Backend) MoveEphemeralToQueued(_ context.Context, id string) (bool, error) {
	if b.opts.EphemeralDisabled {
		return false, queue.ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, exists := b.ephemeral[id]
	if !exists {
		return false, nil
	}
	delete(b.ephemeral, id)
	if !b.queued.Offer(msg) {
		b.ephemeral[id] = msg
		return false, nil
	}
	return true, nil
}
