package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	queue "github.com/blameswood/ddth-queue"
)

// Config is the top-level configuration: named queue specs.
type Config struct {
	Queues map[string]QueueConfig `json:"queues"`
}

// QueueConfig describes one queue: its backend type plus the options block
// for that type.
type QueueConfig struct {
	// Type selects the backend: inmem, sql, redis, kafka, pebble, or mongo.
	Type string `json:"type"`

	// MaxRetries bounds deadlock retries per transition (default 3).
	MaxRetries *int `json:"maxRetries,omitempty"`
	// OrphanBatch caps orphans returned per scan (default 100).
	OrphanBatch int `json:"orphanBatch,omitempty"`

	Inmem  InmemConfig  `json:"inmem,omitempty"`
	SQL    SQLConfig    `json:"sql,omitempty"`
	Redis  RedisConfig  `json:"redis,omitempty"`
	Kafka  KafkaConfig  `json:"kafka,omitempty"`
	Pebble PebbleConfig `json:"pebble,omitempty"`
	Mongo  MongoConfig  `json:"mongo,omitempty"`
}

// InmemConfig mirrors inmem.Options.
type InmemConfig struct {
	Boundary          int  `json:"boundary,omitempty"`
	EphemeralDisabled bool `json:"ephemeralDisabled,omitempty"`
	EphemeralMaxSize  int  `json:"ephemeralMaxSize,omitempty"`
}

// SQLConfig mirrors sqlq.Options.
type SQLConfig struct {
	Driver         string `json:"driver"`
	DSN            string `json:"dsn"`
	Table          string `json:"table,omitempty"`
	EphemeralTable string `json:"ephemeralTable,omitempty"`
	Isolation      string `json:"isolation,omitempty"` // "serializable" (default) or "default"
	PopLock        string `json:"popLock,omitempty"`
}

// RedisConfig mirrors redisq.Options.
type RedisConfig struct {
	Addr          string `json:"addr"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	HashName      string `json:"hashName,omitempty"`
	ListName      string `json:"listName,omitempty"`
	SortedSetName string `json:"sortedSetName,omitempty"`
	PoolSize      int    `json:"poolSize,omitempty"`
	MinIdleConns  int    `json:"minIdleConns,omitempty"`
	PoolTimeoutMs int    `json:"poolTimeoutMs,omitempty"`
}

// KafkaConfig mirrors kafkaq.Options.
type KafkaConfig struct {
	Brokers       []string `json:"brokers"`
	Topic         string   `json:"topic,omitempty"`
	GroupID       string   `json:"groupId,omitempty"`
	Sync          bool     `json:"sync,omitempty"`
	PollTimeoutMs int      `json:"pollTimeoutMs,omitempty"`
}

// PebbleConfig mirrors pebbleq.Options.
type PebbleConfig struct {
	Dir  string `json:"dir"`
	Name string `json:"name,omitempty"`
}

// MongoConfig mirrors mongoq.Options.
type MongoConfig struct {
	URI                 string `json:"uri"`
	Database            string `json:"database,omitempty"`
	Collection          string `json:"collection,omitempty"`
	EphemeralCollection string `json:"ephemeralCollection,omitempty"`
}

// Load reads a JSON configuration file. An empty path yields an empty config.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", queue.ErrConfiguration, err)
	}
	return cfg, nil
}

// FromEnv overlays DDTHQ_* environment variables onto a queue spec; handy
// for pointing the demo CLI at other servers without editing the file.
func FromEnv(qc *QueueConfig) {
	if v := os.Getenv("DDTHQ_TYPE"); v != "" {
		qc.Type = v
	}
	if v := os.Getenv("DDTHQ_REDIS_ADDR"); v != "" {
		qc.Redis.Addr = v
	}
	if v := os.Getenv("DDTHQ_SQL_DSN"); v != "" {
		qc.SQL.DSN = v
	}
	if v := os.Getenv("DDTHQ_SQL_DRIVER"); v != "" {
		qc.SQL.Driver = v
	}
	if v := os.Getenv("DDTHQ_PEBBLE_DIR"); v != "" {
		qc.Pebble.Dir = v
	}
	if v := os.Getenv("DDTHQ_MONGO_URI"); v != "" {
		qc.Mongo.URI = v
	}
	if v := os.Getenv("DDTHQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			qc.MaxRetries = &n
		}
	}
}

func (c RedisConfig) poolTimeout() time.Duration {
	return time.Duration(c.PoolTimeoutMs) * time.Millisecond
}

func (c KafkaConfig) pollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}
