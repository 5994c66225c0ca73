package inmem

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/internal/queuetest"
	"github.com/blameswood/ddth-queue/pkg/log"
)

func TestConformance(t *testing.T) {
	queuetest.Suite{
		NewBackend: func(t *testing.T) queue.Backend {
			return New(Options{})
		},
	}.Run(t)
}

func TestConformanceBounded(t *testing.T) {
	queuetest.Suite{
		NewBackend: func(t *testing.T) queue.Backend {
			return New(Options{Boundary: 64})
		},
	}.Run(t)
}

func TestConformanceNodeBacked(t *testing.T) {
	queuetest.Suite{
		NewBackend: func(t *testing.T) queue.Backend {
			return New(Options{Boundary: 4096})
		},
	}.Run(t)
}

func newEngine(t *testing.T, opts Options) *queue.Engine {
	t.Helper()
	eng := queue.New(New(opts), queue.WithLogger(log.Discard()))
	require.NoError(t, eng.Init())
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// Boundary overflow: the third push fails, sizes stay at the bound.
func TestBoundedOverflow(t *testing.T) {
	eng := newEngine(t, Options{Boundary: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := eng.Queue(ctx, queue.NewMessage([]byte{byte(i)}))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := eng.Queue(ctx, queue.NewMessage([]byte("c")))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, eng.QueueSize(ctx))
}

// Ephemeral cap: Take backs off while the in-flight store is saturated.
func TestEphemeralCapBackpressure(t *testing.T) {
	eng := newEngine(t, Options{EphemeralMaxSize: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := eng.Queue(ctx, queue.NewMessage([]byte{byte(i)}))
		require.NoError(t, err)
	}

	first, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	blocked, err := eng.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked, "take should back off at the ephemeral cap")
	assert.Equal(t, 1, eng.QueueSize(ctx))

	require.NoError(t, eng.Finish(ctx, first))
	second, err := eng.Take(ctx)
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestEphemeralDisabled(t *testing.T) {
	eng := newEngine(t, Options{EphemeralDisabled: true})
	ctx := context.Background()

	_, err := eng.Queue(ctx, queue.NewMessageWithID("x", []byte("p")))
	require.NoError(t, err)

	got, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// no in-flight tracking: finish is a no-op and the ephemeral size reports -1
	require.NoError(t, eng.Finish(ctx, got))
	assert.Equal(t, -1, eng.EphemeralSize(ctx))

	_, err = eng.OrphanMessages(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrUnsupported)
}

func TestIDGeneratedWhenAbsent(t *testing.T) {
	eng := newEngine(t, Options{})
	ctx := context.Background()

	ok, err := eng.Queue(ctx, queue.NewMessage([]byte("no id")))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID())
}

// Concurrent producers and consumers: every message is delivered exactly once
// per take and nothing is lost.
func TestConcurrentProducersConsumers(t *testing.T) {
	eng := newEngine(t, Options{})
	ctx := context.Background()

	const producers = 4
	const perProducer = 250
	const total = producers * perProducer

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				id := fmt.Sprintf("p%d-%d", p, i)
				if _, err := eng.Queue(ctx, queue.NewMessageWithID(id, []byte(id))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var mu sync.Mutex
	seen := make(map[string]int, total)
	var consumers errgroup.Group
	for c := 0; c < 4; c++ {
		consumers.Go(func() error {
			for {
				msg, err := eng.Take(ctx)
				if err != nil {
					return err
				}
				if msg == nil {
					return nil
				}
				mu.Lock()
				seen[msg.ID()]++
				mu.Unlock()
				if err := eng.Finish(ctx, msg); err != nil {
					return err
				}
			}
		})
	}
	require.NoError(t, consumers.Wait())

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
	assert.Equal(t, 0, eng.QueueSize(ctx))
	assert.Equal(t, 0, eng.EphemeralSize(ctx))
}

func TestContainerVariants(t *testing.T) {
	if _, ok := newContainer(0).(*unboundedQueue); !ok {
		t.Fatal("boundary 0 should select the unbounded container")
	}
	if _, ok := newContainer(1024).(*ringQueue); !ok {
		t.Fatal("boundary 1024 should select the array-backed container")
	}
	if _, ok := newContainer(1025).(*nodeQueue); !ok {
		t.Fatal("boundary 1025 should select the node-backed container")
	}
}
