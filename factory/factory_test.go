package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/pkg/log"
)

func TestLoadAndOpenInmem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"queues": {
			"jobs": {
				"type": "inmem",
				"inmem": {"boundary": 2},
				"maxRetries": 5
			}
		}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Queues, "jobs")

	eng, err := Open(cfg, "jobs", log.Discard())
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := eng.Queue(ctx, queue.NewMessage([]byte{byte(i)}))
		require.NoError(t, err)
		require.True(t, ok)
	}
	// boundary from the file is honored
	ok, err := eng.Queue(ctx, queue.NewMessage([]byte("overflow")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenPebbleFromConfig(t *testing.T) {
	cfg := Config{Queues: map[string]QueueConfig{
		"durable": {Type: "pebble", Pebble: PebbleConfig{Dir: t.TempDir()}},
	}}
	eng, err := Open(cfg, "durable", log.Discard())
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	ok, err := eng.Queue(ctx, queue.NewMessageWithID("p-1", []byte("x")))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, eng.QueueSize(ctx))
}

func TestOpenSQLiteFromConfig(t *testing.T) {
	cfg := Config{Queues: map[string]QueueConfig{
		"relational": {Type: "sql", SQL: SQLConfig{
			Driver:    "sqlite",
			DSN:       filepath.Join(t.TempDir(), "q.db"),
			Isolation: "default",
		}},
	}}
	eng, err := Open(cfg, "relational", log.Discard())
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	ok, err := eng.Queue(ctx, queue.NewMessageWithID("s-1", []byte("x")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownQueueName(t *testing.T) {
	_, err := Open(Config{}, "missing", log.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConfiguration)
}

func TestUnknownType(t *testing.T) {
	_, err := Build(QueueConfig{Type: "carrier-pigeon"}, log.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConfiguration)

	_, err = Build(QueueConfig{}, log.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConfiguration)
}

func TestBadIsolation(t *testing.T) {
	_, err := Build(QueueConfig{Type: "sql", SQL: SQLConfig{
		Driver: "sqlite", DSN: ":memory:", Isolation: "chaotic",
	}}, log.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConfiguration)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConfiguration)
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("DDTHQ_TYPE", "redis")
	t.Setenv("DDTHQ_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("DDTHQ_MAX_RETRIES", "7")

	var qc QueueConfig
	FromEnv(&qc)
	assert.Equal(t, "redis", qc.Type)
	assert.Equal(t, "redis.internal:6379", qc.Redis.Addr)
	require.NotNil(t, qc.MaxRetries)
	assert.Equal(t, 7, *qc.MaxRetries)
}
