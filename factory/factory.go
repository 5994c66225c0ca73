// Package factory builds configured queue engines from declarative specs, so
// applications select a backend from a config file rather than wiring
// adapter options in code.
package factory

import (
	"database/sql"
	"fmt"
	"strings"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/inmem"
	"github.com/blameswood/ddth-queue/kafkaq"
	"github.com/blameswood/ddth-queue/mongoq"
	"github.com/blameswood/ddth-queue/pebbleq"
	"github.com/blameswood/ddth-queue/redisq"
	"github.com/blameswood/ddth-queue/sqlq"

	"github.com/blameswood/ddth-queue/pkg/log"
)

// Open builds and initializes the named queue from cfg.
func Open(cfg Config, name string, logger log.Logger) (*queue.Engine, error) {
	qc, ok := cfg.Queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: queue %q is not configured", queue.ErrConfiguration, name)
	}
	eng, err := Build(qc, logger)
	if err != nil {
		return nil, err
	}
	if err := eng.Init(); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

// Build assembles an engine from one queue spec without initializing it.
func Build(qc QueueConfig, logger log.Logger) (*queue.Engine, error) {
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	backend, err := buildBackend(qc, logger)
	if err != nil {
		return nil, err
	}
	opts := []queue.Option{queue.WithLogger(logger)}
	if qc.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*qc.MaxRetries))
	}
	if qc.OrphanBatch > 0 {
		opts = append(opts, queue.WithOrphanBatch(qc.OrphanBatch))
	}
	return queue.New(backend, opts...), nil
}

func buildBackend(qc QueueConfig, logger log.Logger) (queue.Backend, error) {
	switch strings.ToLower(qc.Type) {
	case "inmem", "memory":
		return inmem.New(inmem.Options{
			Boundary:          qc.Inmem.Boundary,
			EphemeralDisabled: qc.Inmem.EphemeralDisabled,
			EphemeralMaxSize:  qc.Inmem.EphemeralMaxSize,
		}), nil

	case "sql", "jdbc":
		opts := sqlq.Options{
			Driver:         qc.SQL.Driver,
			DSN:            qc.SQL.DSN,
			Table:          qc.SQL.Table,
			EphemeralTable: qc.SQL.EphemeralTable,
			PopLock:        qc.SQL.PopLock,
			Logger:         logger,
		}
		switch strings.ToLower(qc.SQL.Isolation) {
		case "", "serializable":
		case "default":
			opts = opts.WithIsolation(sql.LevelDefault)
		default:
			return nil, fmt.Errorf("%w: unknown isolation %q", queue.ErrConfiguration, qc.SQL.Isolation)
		}
		return sqlq.New(opts), nil

	case "redis":
		return redisq.New(redisq.Options{
			Addr:          qc.Redis.Addr,
			Password:      qc.Redis.Password,
			DB:            qc.Redis.DB,
			HashName:      qc.Redis.HashName,
			ListName:      qc.Redis.ListName,
			SortedSetName: qc.Redis.SortedSetName,
			PoolSize:      qc.Redis.PoolSize,
			MinIdleConns:  qc.Redis.MinIdleConns,
			PoolTimeout:   qc.Redis.poolTimeout(),
			Logger:        logger,
		}), nil

	case "kafka":
		return kafkaq.New(kafkaq.Options{
			Brokers:     qc.Kafka.Brokers,
			Topic:       qc.Kafka.Topic,
			GroupID:     qc.Kafka.GroupID,
			Sync:        qc.Kafka.Sync,
			PollTimeout: qc.Kafka.pollTimeout(),
			Logger:      logger,
		}), nil

	case "pebble":
		return pebbleq.New(pebbleq.Options{
			Dir:    qc.Pebble.Dir,
			Name:   qc.Pebble.Name,
			Logger: logger,
		}), nil

	case "mongo", "mongodb":
		return mongoq.New(mongoq.Options{
			URI:                 qc.Mongo.URI,
			Database:            qc.Mongo.Database,
			Collection:          qc.Mongo.Collection,
			EphemeralCollection: qc.Mongo.EphemeralCollection,
			Logger:              logger,
		}), nil

	case "":
		return nil, fmt.Errorf("%w: queue type is required", queue.ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: unknown queue type %q", queue.ErrConfiguration, qc.Type)
	}
}
