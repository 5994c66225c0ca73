package redisq

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/internal/queuetest"
)

// connect skips the test unless REDIS_ADDR points at a disposable server.
func connect(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cli := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASS")})
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cli := connect(t)
	prefix := fmt.Sprintf("qtest:%d:%s", time.Now().UnixNano(), t.Name())
	opts := Options{
		Client:        cli,
		HashName:      prefix + ":h",
		ListName:      prefix + ":l",
		SortedSetName: prefix + ":s",
	}
	t.Cleanup(func() {
		cli.Del(context.Background(), opts.HashName, opts.ListName, opts.SortedSetName)
	})
	return New(opts)
}

func TestConformance(t *testing.T) {
	queuetest.Suite{
		NewBackend: func(t *testing.T) queue.Backend {
			return newTestBackend(t)
		},
	}.Run(t)
}

func TestInitRequiresAddrOrClient(t *testing.T) {
	err := New(Options{}).Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConfiguration)
}

func TestDefaults(t *testing.T) {
	b := New(Options{Addr: "localhost:6379"})
	assert.Equal(t, "queue_h", b.opts.HashName)
	assert.Equal(t, "queue_l", b.opts.ListName)
	assert.Equal(t, "queue_s", b.opts.SortedSetName)
	assert.Equal(t, 32, b.opts.PoolSize)
	assert.Equal(t, 1, b.opts.MinIdleConns)
	assert.Equal(t, 10*time.Second, b.opts.PoolTimeout)
}

// The move script only succeeds for ids that are actually in flight.
func TestMoveUnknownIDIsNoOp(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Init())
	ctx := context.Background()

	moved, err := b.MoveEphemeralToQueued(ctx, "never-taken")
	require.NoError(t, err)
	assert.False(t, moved)
}

// Take stores the take time as the sorted-set score.
func TestTakeScoresByTakenAt(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Init())
	ctx := context.Background()

	msg := queue.NewMessageWithID("score-1", []byte("x"))
	msg.SetTimestamp(time.Now())
	_, err := b.Push(ctx, msg)
	require.NoError(t, err)

	takenAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := b.Take(ctx, takenAt)
	require.NoError(t, err)
	require.NotNil(t, got)

	score, err := b.cli.ZScore(ctx, b.opts.SortedSetName, "score-1").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(takenAt.UnixMilli()), score)
}

// A borrowed client survives Close.
func TestBorrowedClientSurvivesClose(t *testing.T) {
	cli := connect(t)
	b := New(Options{Client: cli})
	require.NoError(t, b.Init())
	require.NoError(t, b.Close())
	require.NoError(t, cli.Ping(context.Background()).Err())
}
