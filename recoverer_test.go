package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blameswood/ddth-queue/pkg/log"
)

func TestRecovererRunOnce(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := newTestEngine(fb, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		_, err := eng.Queue(ctx, NewMessage([]byte{byte(i)}))
		require.NoError(t, err)
		_, err = eng.Take(ctx)
		require.NoError(t, err)
	}
	require.Len(t, fb.ephemeral, 3)

	rec := NewRecoverer(eng, RecovererConfig{Threshold: time.Minute}, log.Discard())

	// nothing old enough yet
	moved, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	now = now.Add(2 * time.Minute)
	moved, err = rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)
	assert.Empty(t, fb.ephemeral)
	assert.Len(t, fb.queued, 3)
}

func TestRecovererBatchCap(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := newTestEngine(fb, WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		_, err := eng.Queue(ctx, NewMessage([]byte{byte(i)}))
		require.NoError(t, err)
		_, err = eng.Take(ctx)
		require.NoError(t, err)
	}

	now = now.Add(time.Hour)
	rec := NewRecoverer(eng, RecovererConfig{Threshold: time.Minute, BatchSize: 2}, log.Discard())
	moved, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
}

func TestRecovererStartStop(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := newTestEngine(fb, WithClock(func() time.Time { return now }))

	_, err := eng.Queue(ctx, NewMessageWithID("bg", nil))
	require.NoError(t, err)
	_, err = eng.Take(ctx)
	require.NoError(t, err)
	now = now.Add(time.Hour)

	rec := NewRecoverer(eng, RecovererConfig{
		Threshold: time.Minute,
		Interval:  10 * time.Millisecond,
	}, log.Discard())
	rec.Start()
	rec.Start() // idempotent

	assert.Eventually(t, func() bool {
		return fb.queuedLen() == 1
	}, time.Second, 10*time.Millisecond)

	rec.Stop()
	rec.Stop() // idempotent
}
