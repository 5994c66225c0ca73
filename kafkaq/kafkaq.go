// Package kafkaq implements the queue backend on a distributed log: one
// topic, producer-partitioned by the message's partition key (its id unless
// the message provides an explicit key).
//
// The log has no ephemeral store. Delivery is tracked by the consumer
// group's committed offsets, so Take commits the message as consumed and
// Finish is a documented no-op. OrphanMessages and MoveFromEphemeralToQueue
// are unsupported, and both size queries report -1.
package kafkaq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// Options configures a log backend.
type Options struct {
	// Brokers is the bootstrap server list; used when Writer/Reader are nil.
	Brokers []string
	// Topic stores the queue messages (default "ddth-queue").
	Topic string
	// GroupID is the consumer group for Take (default "ddth-queue-<uuid>").
	GroupID string

	// Sync makes Push wait for broker acknowledgement. By default sends are
	// async: Push succeeds once the message is enqueued for sending and
	// delivery failures surface in the log.
	Sync bool

	// RequiredAcks for the producer (default kafka.RequireOne, leader ack).
	RequiredAcks kafka.RequiredAcks

	// PollTimeout bounds one Take poll (default 1s); an expired poll is an
	// empty take, not an error.
	PollTimeout time.Duration

	// Writer and Reader are borrowed clients. When nil, owned ones are
	// built from the options above and destroyed on Close.
	Writer *kafka.Writer
	Reader *kafka.Reader

	// WriterTweak and ReaderTweak customize owned clients before use, the
	// place for producer and consumer properties beyond the common ones.
	WriterTweak func(*kafka.Writer)
	ReaderTweak func(*kafka.ReaderConfig)

	// Codec serializes messages into record values (default queue.JSONCodec).
	Codec queue.Codec

	Logger log.Logger
}

var _ queue.Backend = (*Backend)(nil)

// Backend is the distributed-log queue backend.
type Backend struct {
	opts  Options
	codec queue.Codec
	log   log.Logger

	writer      *kafka.Writer
	reader      *kafka.Reader
	ownedWriter bool
	ownedReader bool

	readMu sync.Mutex
}

// New creates a log backend.
func New(opts Options) *Backend {
	if opts.Topic == "" {
		opts.Topic = "ddth-queue"
	}
	if opts.GroupID == "" {
		opts.GroupID = "ddth-queue-" + uuid.NewString()
	}
	if opts.RequiredAcks == 0 {
		opts.RequiredAcks = kafka.RequireOne
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	b := &Backend{opts: opts, codec: opts.Codec, log: opts.Logger}
	if b.codec == nil {
		b.codec = queue.JSONCodec{}
	}
	if b.log == nil {
		b.log = log.Discard()
	}
	b.log = b.log.WithComponent("kafkaq")
	return b
}

// Init builds the producer and consumer clients.
func (b *Backend) Init() error {
	if b.writer != nil {
		return nil
	}
	if b.opts.Writer != nil {
		b.writer = b.opts.Writer
	} else {
		if len(b.opts.Brokers) == 0 {
			return fmt.Errorf("%w: either clients or Brokers are required", queue.ErrConfiguration)
		}
		w := &kafka.Writer{
			Addr:         kafka.TCP(b.opts.Brokers...),
			Topic:        b.opts.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: b.opts.RequiredAcks,
			Async:        !b.opts.Sync,
		}
		if w.Async {
			w.Completion = func(messages []kafka.Message, err error) {
				if err != nil {
					b.log.Error("async send failed",
						log.Int("messages", len(messages)), log.Err(err))
				}
			}
		}
		if b.opts.WriterTweak != nil {
			b.opts.WriterTweak(w)
		}
		b.writer = w
		b.ownedWriter = true
	}

	if b.opts.Reader != nil {
		b.reader = b.opts.Reader
	} else {
		cfg := kafka.ReaderConfig{
			Brokers: b.opts.Brokers,
			GroupID: b.opts.GroupID,
			Topic:   b.opts.Topic,
		}
		if b.opts.ReaderTweak != nil {
			b.opts.ReaderTweak(&cfg)
		}
		b.reader = kafka.NewReader(cfg)
		b.ownedReader = true
	}
	return nil
}

// Close destroys owned clients.
func (b *Backend) Close() error {
	var errWriter, errReader error
	if b.writer != nil && b.ownedWriter {
		errWriter = b.writer.Close()
	}
	if b.reader != nil && b.ownedReader {
		errReader = b.reader.Close()
	}
	if errWriter != nil {
		return errWriter
	}
	return errReader
}

// Push produces one record keyed by the message's partition key.
func (b *Backend) Push(ctx context.Context, msg queue.Message) (bool, error) {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return false, err
	}
	record := kafka.Message{
		Key:   []byte(queue.PartitionKeyOf(msg)),
		Value: data,
	}
	if err := b.writer.WriteMessages(ctx, record); err != nil {
		return false, fmt.Errorf("produce %s: %w", msg.ID(), err)
	}
	return true, nil
}

// Pop polls the consumer group for one record within the poll window. The
// committed offset moves forward as part of the read, so the message counts
// as consumed once returned.
func (b *Backend) Pop(ctx context.Context) (queue.Message, error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()
	pollCtx, cancel := context.WithTimeout(ctx, b.opts.PollTimeout)
	defer cancel()
	record, err := b.reader.ReadMessage(pollCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume: %w", err)
	}
	return b.codec.Decode(record.Value)
}

// Stash is unsupported: the log keeps no in-flight store.
func (b *Backend) Stash(context.Context, queue.Message, time.Time) error {
	return queue.ErrUnsupported
}

// Unstash is a deliberate no-op. The consumer group committed the offset on
// Take, which is this backend's acknowledgement; there is nothing to remove.
func (b *Backend) Unstash(context.Context, string) error { return nil }

// QueuedCount is unsupported on the log.
func (b *Backend) QueuedCount(context.Context) (int, error) { return -1, nil }

// EphemeralCount is unsupported on the log.
func (b *Backend) EphemeralCount(context.Context) (int, error) { return -1, nil }

// ScanOrphans is unsupported on the log.
func (b *Backend) ScanOrphans(context.Context, time.Time, int) ([]queue.Message, error) {
	return nil, queue.ErrUnsupported
}

// MoveEphemeralToQueued is unsupported on the log.
func (b *Backend) MoveEphemeralToQueued(context.Context, string) (bool, error) {
	return false, queue.ErrUnsupported
}
