// Package queuetest is a shared conformance suite run against every backend
// that can be exercised hermetically. It verifies the contract the engine
// guarantees regardless of storage: identity preservation, counter
// monotonicity, clone isolation, FIFO delivery, idempotent finish, and
// orphan recovery.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// Clock is a settable wall clock for engine tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at a stable base instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Suite describes one backend under conformance test.
type Suite struct {
	// NewBackend returns a fresh, empty backend. Cleanup goes through
	// t.Cleanup.
	NewBackend func(t *testing.T) queue.Backend
	// NoEphemeral marks backends without an in-flight store; ack and orphan
	// scenarios are skipped.
	NoEphemeral bool
}

// Run executes the conformance scenarios.
func (s Suite) Run(t *testing.T) {
	t.Run("Roundtrip", s.testRoundtrip)
	t.Run("CloneIsolation", s.testCloneIsolation)
	t.Run("FIFO", s.testFIFO)
	if !s.NoEphemeral {
		t.Run("RequeueIncrements", s.testRequeueIncrements)
		t.Run("SilentRequeuePreservesCounter", s.testSilentRequeue)
		t.Run("IdempotentFinish", s.testIdempotentFinish)
		t.Run("OrphanRecovery", s.testOrphanRecovery)
		t.Run("AtMostOneInFlight", s.testAtMostOneInFlight)
	}
}

func (s Suite) newQueue(t *testing.T) (*queue.Engine, *Clock) {
	t.Helper()
	clock := NewClock()
	eng := queue.New(s.NewBackend(t),
		queue.WithClock(clock.Now),
		queue.WithLogger(log.Discard()),
	)
	require.NoError(t, eng.Init())
	t.Cleanup(func() { _ = eng.Close() })
	return eng, clock
}

// testRoundtrip is scenario S1: queue, take, finish, then empty.
func (s Suite) testRoundtrip(t *testing.T) {
	eng, clock := s.newQueue(t)
	ctx := context.Background()

	queuedAt := clock.Now()
	ok, err := eng.Queue(ctx, queue.NewMessageWithID("m-1", []byte("A")))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m-1", got.ID())
	assert.Equal(t, []byte("A"), got.Payload())
	assert.Equal(t, 0, got.NumRequeues())
	assert.Equal(t, queuedAt.UnixMilli(), got.OriginalTimestamp().UnixMilli())

	require.NoError(t, eng.Finish(ctx, got))

	empty, err := eng.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

// testCloneIsolation checks that mutating the caller's reference after Queue
// does not alter the stored copy.
func (s Suite) testCloneIsolation(t *testing.T) {
	eng, _ := s.newQueue(t)
	ctx := context.Background()

	payload := []byte("original")
	msg := queue.NewMessageWithID("m-clone", payload)
	ok, err := eng.Queue(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	msg.SetNumRequeues(99)
	payload[0] = 'X'

	got, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.NumRequeues())
	assert.Equal(t, []byte("original"), got.Payload())
}

func (s Suite) testFIFO(t *testing.T) {
	eng, clock := s.newQueue(t)
	ctx := context.Background()

	ids := []string{"f-1", "f-2", "f-3", "f-4"}
	for _, id := range ids {
		ok, err := eng.Queue(ctx, queue.NewMessageWithID(id, []byte(id)))
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(time.Millisecond)
	}
	for _, want := range ids {
		got, err := eng.Take(ctx)
		require.NoError(t, err)
		require.NotNil(t, got, "expected %s", want)
		assert.Equal(t, want, got.ID())
		require.NoError(t, eng.Finish(ctx, got))
	}
}

// testRequeueIncrements is scenario S2.
func (s Suite) testRequeueIncrements(t *testing.T) {
	eng, clock := s.newQueue(t)
	ctx := context.Background()

	_, err := eng.Queue(ctx, queue.NewMessageWithID("m-2", []byte("B")))
	require.NoError(t, err)

	m1, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m1)

	clock.Advance(time.Second)
	ok, err := eng.Requeue(ctx, m1)
	require.NoError(t, err)
	require.True(t, ok)

	m2, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.Equal(t, 1, m2.NumRequeues())
	assert.True(t, m2.Timestamp().After(m2.OriginalTimestamp()))

	// S3 continues from here in testSilentRequeue
	require.NoError(t, eng.Finish(ctx, m2))
}

// testSilentRequeue is scenario S3: silent requeue leaves the counter alone.
func (s Suite) testSilentRequeue(t *testing.T) {
	eng, _ := s.newQueue(t)
	ctx := context.Background()

	_, err := eng.Queue(ctx, queue.NewMessageWithID("m-3", []byte("C")))
	require.NoError(t, err)

	m1, err := eng.Take(ctx)
	require.NoError(t, err)
	_, err = eng.Requeue(ctx, m1)
	require.NoError(t, err)

	m2, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m2)
	require.Equal(t, 1, m2.NumRequeues())
	before := m2.Timestamp()

	ok, err := eng.RequeueSilent(ctx, m2)
	require.NoError(t, err)
	require.True(t, ok)

	m3, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m3)
	assert.Equal(t, 1, m3.NumRequeues())
	assert.Equal(t, before.UnixMilli(), m3.Timestamp().UnixMilli())
}

// testIdempotentFinish is property 6.
func (s Suite) testIdempotentFinish(t *testing.T) {
	eng, _ := s.newQueue(t)
	ctx := context.Background()

	_, err := eng.Queue(ctx, queue.NewMessageWithID("m-fin", []byte("D")))
	require.NoError(t, err)
	got, err := eng.Take(ctx)
	require.NoError(t, err)

	require.NoError(t, eng.Finish(ctx, got))
	require.NoError(t, eng.Finish(ctx, got))
}

// testOrphanRecovery is scenario S4.
func (s Suite) testOrphanRecovery(t *testing.T) {
	eng, clock := s.newQueue(t)
	ctx := context.Background()

	_, err := eng.Queue(ctx, queue.NewMessageWithID("m-4", []byte("E")))
	require.NoError(t, err)

	m1, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m1)

	// not yet an orphan
	orphans, err := eng.OrphanMessages(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	clock.Advance(2 * time.Minute)
	orphans, err = eng.OrphanMessages(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "m-4", orphans[0].ID())
	assert.Equal(t, m1.NumRequeues(), orphans[0].NumRequeues())

	moved, err := eng.MoveFromEphemeralToQueue(ctx, orphans[0])
	require.NoError(t, err)
	require.True(t, moved)

	// second move is a no-op
	moved, err = eng.MoveFromEphemeralToQueue(ctx, orphans[0])
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m-4", got.ID())
	assert.Equal(t, m1.NumRequeues(), got.NumRequeues())
}

// testAtMostOneInFlight is property 4 at commit boundaries.
func (s Suite) testAtMostOneInFlight(t *testing.T) {
	eng, _ := s.newQueue(t)
	ctx := context.Background()

	_, err := eng.Queue(ctx, queue.NewMessageWithID("m-5", []byte("F")))
	require.NoError(t, err)

	total := func() int {
		q := eng.QueueSize(ctx)
		e := eng.EphemeralSize(ctx)
		require.GreaterOrEqual(t, q, 0)
		require.GreaterOrEqual(t, e, 0)
		return q + e
	}
	assert.Equal(t, 1, total())

	m, err := eng.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total())

	_, err = eng.Requeue(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 1, total())

	m, err = eng.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Finish(ctx, m))
	assert.Equal(t, 0, total())
}
