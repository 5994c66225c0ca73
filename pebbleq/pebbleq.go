// Package pebbleq implements the queue backend on an embedded Pebble
// database, giving a single process a durable queue with full ephemeral
// tracking and no external server. Every transition commits as one Pebble
// batch, so the queued index, the in-flight index, and the message record
// always move together.
package pebbleq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	queue "github.com/blameswood/ddth-queue"
	pebblestore "github.com/blameswood/ddth-queue/internal/storage/pebble"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// Options configures an embedded backend.
type Options struct {
	// Dir is the database directory; used when DB is nil.
	Dir string
	// Fsync selects the durability mode for owned databases.
	Fsync pebblestore.FsyncMode

	// DB is a borrowed store. When nil an owned one is opened at Dir and
	// destroyed on Close.
	DB *pebblestore.DB

	// Name scopes the keyspace so several queues share one database
	// (default "default").
	Name string

	// Codec serializes message records (default queue.JSONCodec).
	Codec queue.Codec

	Logger log.Logger
}

var (
	_ queue.Backend        = (*Backend)(nil)
	_ queue.TakeSupport    = (*Backend)(nil)
	_ queue.RequeueSupport = (*Backend)(nil)
)

// Backend is the embedded queue backend.
type Backend struct {
	opts  Options
	db    *pebblestore.DB
	owned bool
	codec queue.Codec
	log   log.Logger

	mu      sync.Mutex
	lastSeq uint64
}

// New creates an embedded backend.
func New(opts Options) *Backend {
	if opts.Name == "" {
		opts.Name = "default"
	}
	b := &Backend{opts: opts, codec: opts.Codec, log: opts.Logger}
	if b.codec == nil {
		b.codec = queue.JSONCodec{}
	}
	if b.log == nil {
		b.log = log.Discard()
	}
	b.log = b.log.WithComponent("pebbleq")
	return b
}

// Init opens the store when owned and restores the sequence counter.
func (b *Backend) Init() error {
	if b.db == nil {
		if b.opts.DB != nil {
			b.db = b.opts.DB
		} else {
			if b.opts.Dir == "" {
				return fmt.Errorf("%w: either DB or Dir is required", queue.ErrConfiguration)
			}
			db, err := pebblestore.Open(pebblestore.Options{DataDir: b.opts.Dir, Fsync: b.opts.Fsync})
			if err != nil {
				return fmt.Errorf("open pebble: %w", err)
			}
			b.db = db
			b.owned = true
		}
	}
	if meta, err := b.db.Get(metaKey(b.opts.Name)); err == nil && len(meta) >= 8 {
		b.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return nil
}

// Close destroys the store when owned.
func (b *Backend) Close() error {
	if b.db == nil || !b.owned {
		return nil
	}
	return b.db.Close()
}

// Push writes the message record and its queued-index entry in one batch.
// An id that already has a record fails with queue.ErrDuplicateKey.
func (b *Backend) Push(ctx context.Context, msg queue.Message) (bool, error) {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.db.Get(msgKey(b.opts.Name, msg.ID())); err == nil {
		return false, fmt.Errorf("push %s: %w", msg.ID(), queue.ErrDuplicateKey)
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return false, err
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	b.lastSeq++
	if err := batch.Set(msgKey(b.opts.Name, msg.ID()), data, nil); err != nil {
		return false, err
	}
	if err := batch.Set(readyKey(b.opts.Name, msg.Timestamp().UnixMilli(), b.lastSeq), []byte(msg.ID()), nil); err != nil {
		return false, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], b.lastSeq)
	if err := batch.Set(metaKey(b.opts.Name), meta[:], nil); err != nil {
		return false, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return false, fmt.Errorf("push %s: %w", msg.ID(), err)
	}
	return true, nil
}

// head returns the first queued-index entry and its message record.
func (b *Backend) head() (readyK []byte, msg queue.Message, err error) {
	iter, err := b.db.NewPrefixIter(readyPrefix(b.opts.Name))
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		id := string(iter.Value())
		data, err := b.db.Get(msgKey(b.opts.Name, id))
		if errors.Is(err, pebblestore.ErrNotFound) {
			// index entry without a record; drop it and keep scanning
			key := append([]byte(nil), iter.Key()...)
			b.log.Warn("queued index entry without message record", log.String("id", id))
			_ = b.db.Delete(key)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		m, err := b.codec.Decode(data)
		if err != nil {
			return nil, nil, err
		}
		return append([]byte(nil), iter.Key()...), m, nil
	}
	return nil, nil, iter.Error()
}

// Take pops the head entry and records it in the in-flight index in one
// batch.
func (b *Backend) Take(ctx context.Context, takenAt time.Time) (queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	readyK, msg, err := b.head()
	if err != nil || msg == nil {
		return nil, err
	}

	takenMs := takenAt.UnixMilli()
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(readyK, nil); err != nil {
		return nil, err
	}
	if err := batch.Set(ephKey(b.opts.Name, takenMs, msg.ID()), nil, nil); err != nil {
		return nil, err
	}
	var taken [8]byte
	binary.BigEndian.PutUint64(taken[:], uint64(takenMs))
	if err := batch.Set(ephIDKey(b.opts.Name, msg.ID()), taken[:], nil); err != nil {
		return nil, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("take: %w", err)
	}
	return msg, nil
}

// Pop removes the head entry and its record without stashing; the engine
// uses Take instead, this satisfies the port.
func (b *Backend) Pop(ctx context.Context) (queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	readyK, msg, err := b.head()
	if err != nil || msg == nil {
		return nil, err
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(readyK, nil); err != nil {
		return nil, err
	}
	if err := batch.Delete(msgKey(b.opts.Name, msg.ID()), nil); err != nil {
		return nil, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("pop: %w", err)
	}
	return msg, nil
}

// Stash records an in-flight entry; unused when Take is available but kept
// for the port.
func (b *Backend) Stash(ctx context.Context, msg queue.Message, takenAt time.Time) error {
	takenMs := takenAt.UnixMilli()
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(ephKey(b.opts.Name, takenMs, msg.ID()), nil, nil); err != nil {
		return err
	}
	var taken [8]byte
	binary.BigEndian.PutUint64(taken[:], uint64(takenMs))
	if err := batch.Set(ephIDKey(b.opts.Name, msg.ID()), taken[:], nil); err != nil {
		return err
	}
	return b.db.CommitBatch(ctx, batch)
}

// Unstash removes the in-flight entries and the message record. Idempotent.
func (b *Backend) Unstash(ctx context.Context, id string) error {
	taken, err := b.db.Get(ephIDKey(b.opts.Name, id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(taken) < 8 {
		return fmt.Errorf("unstash %s: corrupt in-flight record", id)
	}
	takenMs := int64(binary.BigEndian.Uint64(taken[:8]))
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(ephIDKey(b.opts.Name, id), nil); err != nil {
		return err
	}
	if err := batch.Delete(ephKey(b.opts.Name, takenMs, id), nil); err != nil {
		return err
	}
	if err := batch.Delete(msgKey(b.opts.Name, id), nil); err != nil {
		return err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return fmt.Errorf("unstash %s: %w", id, err)
	}
	return nil
}

// Requeue moves a message from the in-flight index back to the queued index
// with its re-stamped record, all in one batch.
func (b *Backend) Requeue(ctx context.Context, msg queue.Message) (bool, error) {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()
	if taken, err := b.db.Get(ephIDKey(b.opts.Name, msg.ID())); err == nil && len(taken) >= 8 {
		takenMs := int64(binary.BigEndian.Uint64(taken[:8]))
		if err := batch.Delete(ephIDKey(b.opts.Name, msg.ID()), nil); err != nil {
			return false, err
		}
		if err := batch.Delete(ephKey(b.opts.Name, takenMs, msg.ID()), nil); err != nil {
			return false, err
		}
	}
	b.lastSeq++
	if err := batch.Set(msgKey(b.opts.Name, msg.ID()), data, nil); err != nil {
		return false, err
	}
	if err := batch.Set(readyKey(b.opts.Name, msg.Timestamp().UnixMilli(), b.lastSeq), []byte(msg.ID()), nil); err != nil {
		return false, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], b.lastSeq)
	if err := batch.Set(metaKey(b.opts.Name), meta[:], nil); err != nil {
		return false, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return false, fmt.Errorf("requeue %s: %w", msg.ID(), err)
	}
	return true, nil
}

// QueuedCount counts the queued index.
func (b *Backend) QueuedCount(context.Context) (int, error) {
	return b.db.CountPrefix(readyPrefix(b.opts.Name))
}

// EphemeralCount counts the in-flight index.
func (b *Backend) EphemeralCount(context.Context) (int, error) {
	return b.db.CountPrefix(ephIDPrefix(b.opts.Name))
}

// ScanOrphans walks the in-flight index, which is ordered by take time, and
// stops at the first entry taken after the given instant.
func (b *Backend) ScanOrphans(_ context.Context, before time.Time, limit int) ([]queue.Message, error) {
	iter, err := b.db.NewPrefixIter(ephPrefix(b.opts.Name))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	beforeMs := before.UnixMilli()
	var out []queue.Message
	for ok := iter.First(); ok; ok = iter.Next() {
		takenMs, id, ok2 := parseEphKey(b.opts.Name, iter.Key())
		if !ok2 {
			continue
		}
		if takenMs >= beforeMs {
			break
		}
		data, err := b.db.Get(msgKey(b.opts.Name, id))
		if errors.Is(err, pebblestore.ErrNotFound) {
			b.log.Warn("in-flight index entry without message record", log.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		msg, err := b.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// MoveEphemeralToQueued drops the in-flight entries and re-indexes the
// untouched record into the queued index, all in one batch.
func (b *Backend) MoveEphemeralToQueued(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	taken, err := b.db.Get(ephIDKey(b.opts.Name, id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	takenMs := int64(binary.BigEndian.Uint64(taken[:8]))

	data, err := b.db.Get(msgKey(b.opts.Name, id))
	if err != nil {
		return false, fmt.Errorf("move %s: record missing: %w", id, err)
	}
	msg, err := b.codec.Decode(data)
	if err != nil {
		return false, err
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(ephIDKey(b.opts.Name, id), nil); err != nil {
		return false, err
	}
	if err := batch.Delete(ephKey(b.opts.Name, takenMs, id), nil); err != nil {
		return false, err
	}
	b.lastSeq++
	if err := batch.Set(readyKey(b.opts.Name, msg.Timestamp().UnixMilli(), b.lastSeq), []byte(id), nil); err != nil {
		return false, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], b.lastSeq)
	if err := batch.Set(metaKey(b.opts.Name), meta[:], nil); err != nil {
		return false, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return false, fmt.Errorf("move %s: %w", id, err)
	}
	return true, nil
}
