package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blameswood/ddth-queue/pkg/log"
)

// fakeBackend is a scriptable backend for engine-policy tests. It keeps the
// queued store as a slice and the ephemeral store as a map, and can be told
// to fail the next N pushes with a given error.
type fakeBackend struct {
	mu        sync.Mutex
	queued    []Message
	ephemeral map[string]Message

	failPushes int
	pushErr    error
	pushCalls  int
	stashErr   error
	unstashErr error
}

func (f *fakeBackend) queuedLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{ephemeral: make(map[string]Message)}
}

func (f *fakeBackend) Init() error  { return nil }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Push(_ context.Context, msg Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if f.failPushes > 0 {
		f.failPushes--
		return false, f.pushErr
	}
	f.queued = append(f.queued, msg)
	return true, nil
}

func (f *fakeBackend) Pop(_ context.Context) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil, nil
	}
	msg := f.queued[0]
	f.queued = f.queued[1:]
	return msg, nil
}

func (f *fakeBackend) Stash(_ context.Context, msg Message, _ time.Time) error {
	if f.stashErr != nil {
		return f.stashErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemeral[msg.ID()] = msg
	return nil
}

func (f *fakeBackend) Unstash(_ context.Context, id string) error {
	if f.unstashErr != nil {
		return f.unstashErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ephemeral, id)
	return nil
}

func (f *fakeBackend) QueuedCount(context.Context) (int, error) {
	return f.queuedLen(), nil
}

func (f *fakeBackend) EphemeralCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ephemeral), nil
}

func (f *fakeBackend) ScanOrphans(_ context.Context, before time.Time, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.ephemeral {
		if m.OriginalTimestamp().Before(before) {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) MoveEphemeralToQueued(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.ephemeral[id]
	if !ok {
		return false, nil
	}
	delete(f.ephemeral, id)
	f.queued = append(f.queued, m)
	return true, nil
}

func newTestEngine(b Backend, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	return New(b, opts...)
}

// Deadlock retry on push: two injected deadlocks, third attempt lands, and a
// requeue in the same situation increments the counter exactly once.
func TestDeadlockRetry(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.failPushes = 2
	fb.pushErr = fmt.Errorf("tx aborted: %w", ErrDeadlock)
	eng := newTestEngine(fb)

	ok, err := eng.Queue(ctx, NewMessageWithID("d-1", []byte("x")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, fb.pushCalls)

	m, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)

	fb.failPushes = 2
	fb.pushCalls = 0
	ok, err = eng.Requeue(ctx, m)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.NumRequeues(), "retries must not inflate the requeue counter")
}

func TestDeadlockRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.failPushes = 10
	fb.pushErr = ErrDeadlock
	eng := newTestEngine(fb, WithMaxRetries(2))

	_, err := eng.Queue(ctx, NewMessageWithID("d-2", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadlock)
	var oe *OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "queue", oe.Op)
	assert.Equal(t, 3, fb.pushCalls) // initial attempt + 2 retries
}

// Duplicate key on insert is benign: warn and report success.
func TestDuplicateKeyTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.failPushes = 1
	fb.pushErr = fmt.Errorf("insert: %w", ErrDuplicateKey)
	eng := newTestEngine(fb)

	ok, err := eng.Queue(ctx, NewMessageWithID("dup", nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

// The engine falls back to pop+stash when the backend has no atomic take.
func TestTakeFallbackStashes(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	eng := newTestEngine(fb)

	_, err := eng.Queue(ctx, NewMessageWithID("t-1", []byte("p")))
	require.NoError(t, err)

	m, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Contains(t, fb.ephemeral, "t-1")
}

// A backend without an in-flight store makes Take fire-and-forget and Finish
// a no-op.
func TestTakeWithoutEphemeralStore(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.stashErr = ErrUnsupported
	fb.unstashErr = ErrUnsupported
	eng := newTestEngine(fb)

	_, err := eng.Queue(ctx, NewMessageWithID("t-2", nil))
	require.NoError(t, err)

	m, err := eng.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Empty(t, fb.ephemeral)

	require.NoError(t, eng.Finish(ctx, m))
}

func TestQueueStampsClone(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := newTestEngine(fb, WithClock(func() time.Time { return base }))

	caller := NewMessageWithID("s-1", []byte("p"))
	caller.SetNumRequeues(9)
	_, err := eng.Queue(ctx, caller)
	require.NoError(t, err)

	stored := fb.queued[0]
	assert.Equal(t, 0, stored.NumRequeues())
	assert.Equal(t, base, stored.OriginalTimestamp())
	assert.Equal(t, base, stored.Timestamp())
	// caller's reference untouched
	assert.Equal(t, 9, caller.NumRequeues())
	assert.True(t, caller.OriginalTimestamp().IsZero())
}

func TestRequeueStampsOnce(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := newTestEngine(fb, WithClock(func() time.Time { return now }))

	_, err := eng.Queue(ctx, NewMessageWithID("r-1", nil))
	require.NoError(t, err)
	m, err := eng.Take(ctx)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = eng.Requeue(ctx, m)
	require.NoError(t, err)

	stored := fb.queued[0]
	assert.Equal(t, 1, stored.NumRequeues())
	assert.Equal(t, now, stored.Timestamp())
	assert.NotEqual(t, now, stored.OriginalTimestamp())
	// original reference untouched
	assert.Equal(t, 0, m.NumRequeues())
}

func TestRequeueSilentLeavesStamps(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	eng := newTestEngine(fb)

	_, err := eng.Queue(ctx, NewMessageWithID("r-2", nil))
	require.NoError(t, err)
	m, err := eng.Take(ctx)
	require.NoError(t, err)

	_, err = eng.RequeueSilent(ctx, m)
	require.NoError(t, err)

	stored := fb.queued[0]
	assert.Equal(t, m.NumRequeues(), stored.NumRequeues())
	assert.Equal(t, m.Timestamp(), stored.Timestamp())
}

func TestGeneratedIDAssigned(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	eng := newTestEngine(fb)

	_, err := eng.Queue(ctx, NewMessage([]byte("p")))
	require.NoError(t, err)
	assert.NotEmpty(t, fb.queued[0].ID())
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(newFakeBackend())
	require.NoError(t, eng.Close())

	_, err := eng.Queue(ctx, NewMessage(nil))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.Take(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, eng.Finish(ctx, NewMessageWithID("x", nil)), ErrClosed)

	// double close is fine
	require.NoError(t, eng.Close())
}

func TestNilMessagesAreNoOps(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(newFakeBackend())

	ok, err := eng.Queue(ctx, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, eng.Finish(ctx, nil))
}

func TestOrphanBatchCap(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := newTestEngine(fb,
		WithClock(func() time.Time { return now }),
		WithOrphanBatch(3),
	)

	for i := 0; i < 5; i++ {
		_, err := eng.Queue(ctx, NewMessageWithID(fmt.Sprintf("o-%d", i), nil))
		require.NoError(t, err)
		m, err := eng.Take(ctx)
		require.NoError(t, err)
		require.NotNil(t, m)
	}

	now = now.Add(time.Hour)
	orphans, err := eng.OrphanMessages(ctx, time.Minute)
	require.NoError(t, err)
	assert.Len(t, orphans, 3)
}

func TestSizeQueriesSwallowErrors(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(countErrBackend{newFakeBackend()})
	assert.Equal(t, -1, eng.QueueSize(ctx))
	assert.Equal(t, -1, eng.EphemeralSize(ctx))
}

type countErrBackend struct{ *fakeBackend }

func (countErrBackend) QueuedCount(context.Context) (int, error) {
	return 0, errors.New("backend down")
}

func (countErrBackend) EphemeralCount(context.Context) (int, error) {
	return 0, errors.New("backend down")
}
