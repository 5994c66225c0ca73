// Package mongoq implements the queue backend on MongoDB: two collections
// with the same document shape, one for queued messages and one for
// in-flight messages. Pop is a FindOneAndDelete ordered by timestamp, so two
// consumers can never receive the same document.
//
// Moves between the collections are two single-document operations, not one
// multi-document transaction, so the at-most-one-copy invariant is best
// effort during the instant between them. Orphan recovery heals entries a
// crash may leave behind.
package mongoq

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// Options configures a MongoDB backend.
type Options struct {
	// URI is the connection string; used when Client is nil.
	URI string
	// Client is a borrowed client. When nil an owned one is connected from
	// URI and disconnected on Close.
	Client *mongo.Client

	// Database holds the collections (default "ddth_queue").
	Database string
	// Collection is the queued store (default "queue").
	Collection string
	// EphemeralCollection is the in-flight store (default "queue_ephemeral").
	EphemeralCollection string

	Logger log.Logger
}

// document is the persisted message shape.
type document struct {
	ID          string `bson:"_id"`
	NumRequeues int    `bson:"num_requeues"`
	OrigMs      int64  `bson:"org_timestamp"`
	TimeMs      int64  `bson:"timestamp"`
	Content     []byte `bson:"content"`
	TakenAtMs   int64  `bson:"taken_at,omitempty"`
}

func toDocument(msg queue.Message) document {
	return document{
		ID:          msg.ID(),
		NumRequeues: msg.NumRequeues(),
		OrigMs:      msg.OriginalTimestamp().UnixMilli(),
		TimeMs:      msg.Timestamp().UnixMilli(),
		Content:     msg.Payload(),
	}
}

func (d document) toMessage() *queue.BaseMessage {
	msg := queue.NewMessageWithID(d.ID, d.Content)
	msg.SetNumRequeues(d.NumRequeues)
	msg.SetOriginalTimestamp(time.UnixMilli(d.OrigMs).UTC())
	msg.SetTimestamp(time.UnixMilli(d.TimeMs).UTC())
	return msg
}

var _ queue.Backend = (*Backend)(nil)

// Backend is the MongoDB queue backend.
type Backend struct {
	opts  Options
	cli   *mongo.Client
	owned bool
	log   log.Logger
}

// New creates a MongoDB backend.
func New(opts Options) *Backend {
	if opts.Database == "" {
		opts.Database = "ddth_queue"
	}
	if opts.Collection == "" {
		opts.Collection = "queue"
	}
	if opts.EphemeralCollection == "" {
		opts.EphemeralCollection = "queue_ephemeral"
	}
	b := &Backend{opts: opts, log: opts.Logger}
	if b.log == nil {
		b.log = log.Discard()
	}
	b.log = b.log.WithComponent("mongoq")
	return b
}

// Init connects the client and verifies the server is reachable.
func (b *Backend) Init() error {
	if b.cli != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if b.opts.Client != nil {
		b.cli = b.opts.Client
	} else {
		if b.opts.URI == "" {
			return fmt.Errorf("%w: either Client or URI is required", queue.ErrConfiguration)
		}
		cli, err := mongo.Connect(ctx, options.Client().ApplyURI(b.opts.URI))
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		b.cli = cli
		b.owned = true
	}
	if err := b.cli.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Close disconnects the client when owned.
func (b *Backend) Close() error {
	if b.cli == nil || !b.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.cli.Disconnect(ctx)
}

func (b *Backend) queued() *mongo.Collection {
	return b.cli.Database(b.opts.Database).Collection(b.opts.Collection)
}

func (b *Backend) ephemeral() *mongo.Collection {
	return b.cli.Database(b.opts.Database).Collection(b.opts.EphemeralCollection)
}

// Push inserts into the queued collection.
func (b *Backend) Push(ctx context.Context, msg queue.Message) (bool, error) {
	_, err := b.queued().InsertOne(ctx, toDocument(msg))
	if mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("push %s: %w", msg.ID(), queue.ErrDuplicateKey)
	}
	if err != nil {
		return false, fmt.Errorf("push %s: %w", msg.ID(), err)
	}
	return true, nil
}

// Pop atomically removes and returns the oldest queued document.
func (b *Backend) Pop(ctx context.Context) (queue.Message, error) {
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	var doc document
	err := b.queued().FindOneAndDelete(ctx, bson.M{}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop: %w", err)
	}
	return doc.toMessage(), nil
}

// Stash inserts into the ephemeral collection with the take time.
func (b *Backend) Stash(ctx context.Context, msg queue.Message, takenAt time.Time) error {
	doc := toDocument(msg)
	doc.TakenAtMs = takenAt.UnixMilli()
	_, err := b.ephemeral().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("stash %s: %w", msg.ID(), queue.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("stash %s: %w", msg.ID(), err)
	}
	return nil
}

// Unstash deletes from the ephemeral collection. Idempotent.
func (b *Backend) Unstash(ctx context.Context, id string) error {
	if _, err := b.ephemeral().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("unstash %s: %w", id, err)
	}
	return nil
}

// QueuedCount counts the queued collection.
func (b *Backend) QueuedCount(ctx context.Context) (int, error) {
	n, err := b.queued().CountDocuments(ctx, bson.M{})
	if err != nil {
		return -1, err
	}
	return int(n), nil
}

// EphemeralCount counts the ephemeral collection.
func (b *Backend) EphemeralCount(ctx context.Context) (int, error) {
	n, err := b.ephemeral().CountDocuments(ctx, bson.M{})
	if err != nil {
		return -1, err
	}
	return int(n), nil
}

// ScanOrphans lists ephemeral documents first queued before the given
// instant, oldest first.
func (b *Backend) ScanOrphans(ctx context.Context, before time.Time, limit int) ([]queue.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "org_timestamp", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := b.ephemeral().Find(ctx, bson.M{"org_timestamp": bson.M{"$lt": before.UnixMilli()}}, opts)
	if err != nil {
		return nil, fmt.Errorf("scan orphans: %w", err)
	}
	defer cursor.Close(ctx)

	var out []queue.Message
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode orphan: %w", err)
		}
		out = append(out, doc.toMessage())
	}
	return out, cursor.Err()
}

// MoveEphemeralToQueued removes the ephemeral document and reinserts it into
// the queued collection with counters untouched.
func (b *Backend) MoveEphemeralToQueued(ctx context.Context, id string) (bool, error) {
	var doc document
	err := b.ephemeral().FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("move %s: %w", id, err)
	}
	doc.TakenAtMs = 0
	_, err = b.queued().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		b.log.Warn("message already back in queue", log.String("id", id))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("move %s: %w", id, err)
	}
	return true, nil
}
