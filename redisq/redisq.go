// Package redisq implements the queue backend on Redis using three
// structures: a hash (id to serialized message), a list (FIFO of queued
// ids), and a sorted set (in-flight ids scored by take time). The take and
// move operations run as server-side Lua scripts so a message is never
// visible in both the list and the sorted set.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// take: pop the head id off the list, score it into the sorted set, return
// the serialized message. All or nothing.
var takeScript = redis.NewScript(`
local qid = redis.call("lpop", KEYS[1])
if qid then
  redis.call("zadd", KEYS[2], ARGV[1], qid)
  return redis.call("hget", KEYS[3], qid)
end
return false
`)

// move: drop the id from the sorted set and, only if it was there, push it
// back onto the list.
var moveScript = redis.NewScript(`
local removed = redis.call("zrem", KEYS[1], ARGV[1])
if removed == 1 then
  redis.call("rpush", KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// Options configures a Redis backend.
type Options struct {
	// Addr is the host:port of the server; used when Client is nil.
	Addr     string
	Password string
	DB       int

	// Client is a borrowed client. When nil an owned one is created from
	// Addr and destroyed on Close.
	Client *redis.Client

	// HashName stores id -> serialized message (default "queue_h").
	HashName string
	// ListName is the FIFO of queued ids (default "queue_l").
	ListName string
	// SortedSetName is the in-flight set scored by take time in ms
	// (default "queue_s").
	SortedSetName string

	// PoolSize caps connections for owned clients (default 32).
	PoolSize int
	// MinIdleConns keeps warm connections for owned clients (default 1).
	MinIdleConns int
	// PoolTimeout bounds the wait for a free connection (default 10s).
	PoolTimeout time.Duration

	// Codec serializes messages into the hash (default queue.JSONCodec).
	Codec queue.Codec

	Logger log.Logger
}

var (
	_ queue.Backend        = (*Backend)(nil)
	_ queue.TakeSupport    = (*Backend)(nil)
	_ queue.RequeueSupport = (*Backend)(nil)
)

// Backend is the Redis queue backend.
type Backend struct {
	opts  Options
	cli   *redis.Client
	owned bool
	codec queue.Codec
	log   log.Logger
}

// New creates a Redis backend.
func New(opts Options) *Backend {
	if opts.HashName == "" {
		opts.HashName = "queue_h"
	}
	if opts.ListName == "" {
		opts.ListName = "queue_l"
	}
	if opts.SortedSetName == "" {
		opts.SortedSetName = "queue_s"
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 32
	}
	if opts.MinIdleConns <= 0 {
		opts.MinIdleConns = 1
	}
	if opts.PoolTimeout <= 0 {
		opts.PoolTimeout = 10 * time.Second
	}
	b := &Backend{opts: opts, codec: opts.Codec, log: opts.Logger}
	if b.codec == nil {
		b.codec = queue.JSONCodec{}
	}
	if b.log == nil {
		b.log = log.Discard()
	}
	b.log = b.log.WithComponent("redisq")
	return b
}

// Init connects the client and verifies the server is reachable.
func (b *Backend) Init() error {
	if b.cli != nil {
		return nil
	}
	if b.opts.Client != nil {
		b.cli = b.opts.Client
	} else {
		if b.opts.Addr == "" {
			return fmt.Errorf("%w: either Client or Addr is required", queue.ErrConfiguration)
		}
		b.cli = redis.NewClient(&redis.Options{
			Addr:         b.opts.Addr,
			Password:     b.opts.Password,
			DB:           b.opts.DB,
			PoolSize:     b.opts.PoolSize,
			MinIdleConns: b.opts.MinIdleConns,
			PoolTimeout:  b.opts.PoolTimeout,
		})
		b.owned = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close destroys the client when owned.
func (b *Backend) Close() error {
	if b.cli == nil || !b.owned {
		return nil
	}
	return b.cli.Close()
}

// Push stores the message in the hash and appends its id to the list in one
// MULTI pipeline.
func (b *Backend) Push(ctx context.Context, msg queue.Message) (bool, error) {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return false, err
	}
	_, err = b.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.opts.HashName, msg.ID(), data)
		pipe.RPush(ctx, b.opts.ListName, msg.ID())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("push %s: %w", msg.ID(), err)
	}
	return true, nil
}

// Pop removes the head id from the list and returns its message without
// stashing; the hash entry stays until Unstash. The engine uses Take
// instead, this satisfies the port.
func (b *Backend) Pop(ctx context.Context) (queue.Message, error) {
	id, err := b.cli.LPop(ctx, b.opts.ListName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lpop: %w", err)
	}
	data, err := b.cli.HGet(ctx, b.opts.HashName, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s: %w", id, err)
	}
	return b.codec.Decode([]byte(data))
}

// Take runs the LPOP+ZADD+HGET script.
func (b *Backend) Take(ctx context.Context, takenAt time.Time) (queue.Message, error) {
	keys := []string{b.opts.ListName, b.opts.SortedSetName, b.opts.HashName}
	res, err := takeScript.Run(ctx, b.cli, keys, takenAt.UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take script: %w", err)
	}
	data, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return b.codec.Decode([]byte(data))
}

// Stash scores the id into the sorted set; unused when Take is available but
// kept for the port.
func (b *Backend) Stash(ctx context.Context, msg queue.Message, takenAt time.Time) error {
	err := b.cli.ZAdd(ctx, b.opts.SortedSetName, redis.Z{
		Score:  float64(takenAt.UnixMilli()),
		Member: msg.ID(),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd %s: %w", msg.ID(), err)
	}
	return nil
}

// Unstash removes the message from the hash and the sorted set. Best-effort
// idempotent; removing an unknown id is not an error.
func (b *Backend) Unstash(ctx context.Context, id string) error {
	_, err := b.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.opts.HashName, id)
		pipe.ZRem(ctx, b.opts.SortedSetName, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unstash %s: %w", id, err)
	}
	return nil
}

// Requeue re-stores the stamped message, appends its id to the list, and
// drops it from the sorted set in one MULTI pipeline.
func (b *Backend) Requeue(ctx context.Context, msg queue.Message) (bool, error) {
	data, err := b.codec.Encode(msg)
	if err != nil {
		return false, err
	}
	_, err = b.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.opts.HashName, msg.ID(), data)
		pipe.RPush(ctx, b.opts.ListName, msg.ID())
		pipe.ZRem(ctx, b.opts.SortedSetName, msg.ID())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", msg.ID(), err)
	}
	return true, nil
}

// QueuedCount reports the list length.
func (b *Backend) QueuedCount(ctx context.Context) (int, error) {
	n, err := b.cli.LLen(ctx, b.opts.ListName).Result()
	if err != nil {
		return -1, err
	}
	return int(n), nil
}

// EphemeralCount reports the sorted-set cardinality.
func (b *Backend) EphemeralCount(ctx context.Context) (int, error) {
	n, err := b.cli.ZCard(ctx, b.opts.SortedSetName).Result()
	if err != nil {
		return -1, err
	}
	return int(n), nil
}

// ScanOrphans lists in-flight messages taken before the given instant,
// oldest first.
func (b *Backend) ScanOrphans(ctx context.Context, before time.Time, limit int) ([]queue.Message, error) {
	ids, err := b.cli.ZRangeByScore(ctx, b.opts.SortedSetName, &redis.ZRangeBy{
		Min:    "0",
		Max:    "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	var out []queue.Message
	for _, id := range ids {
		data, err := b.cli.HGet(ctx, b.opts.HashName, id).Result()
		if errors.Is(err, redis.Nil) {
			// sorted-set entry with no hash record; drop the leftover
			b.log.Warn("in-flight id without message record", log.String("id", id))
			b.cli.ZRem(ctx, b.opts.SortedSetName, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hget %s: %w", id, err)
		}
		msg, err := b.codec.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// MoveEphemeralToQueued runs the ZREM+RPUSH script.
func (b *Backend) MoveEphemeralToQueued(ctx context.Context, id string) (bool, error) {
	keys := []string{b.opts.SortedSetName, b.opts.ListName}
	res, err := moveScript.Run(ctx, b.cli, keys, id).Result()
	if err != nil {
		return false, fmt.Errorf("move script: %w", err)
	}
	moved, ok := res.(int64)
	return ok && moved == 1, nil
}
