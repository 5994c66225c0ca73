// Package sqlq implements the queue backend on a relational database: two
// tables with identical schema, one for queued messages and one for
// in-flight messages. Every operation runs in its own transaction at the
// configured isolation level; deadlock-class driver errors are surfaced as
// queue.ErrDeadlock so the engine can retry the logical transition.
package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// Options configures a relational backend.
type Options struct {
	// DB is a borrowed handle. When nil, Driver and DSN are used to open an
	// owned one, destroyed on Close.
	DB     *sql.DB
	Driver string
	DSN    string

	// Table is the queued store (default "queue").
	Table string
	// EphemeralTable is the in-flight store (default "queue_ephemeral").
	EphemeralTable string

	// Isolation is applied to every transaction (default serializable; use
	// sql.LevelDefault for engines like SQLite that reject explicit levels).
	Isolation sql.IsolationLevel
	isolationSet bool

	// PopLock is appended to the pop SELECT (e.g. "FOR UPDATE" on MySQL and
	// PostgreSQL). Empty for engines with database-level locking.
	PopLock string

	// Classifier maps driver errors to the queue taxonomy.
	Classifier ErrorClassifier

	Logger log.Logger
}

// WithIsolation returns o with an explicit isolation level.
func (o Options) WithIsolation(level sql.IsolationLevel) Options {
	o.Isolation = level
	o.isolationSet = true
	return o
}

// ErrorClassifier recognizes deadlock and duplicate-key failures in
// driver-specific errors.
type ErrorClassifier interface {
	IsDeadlock(err error) bool
	IsDuplicateKey(err error) bool
}

// DefaultClassifier matches the error text of the common engines (MySQL,
// PostgreSQL, SQLite).
type DefaultClassifier struct{}

var deadlockPattern = regexp.MustCompile(`(?i)deadlock|database is locked|SQLITE_BUSY|lock wait timeout`)
var duplicatePattern = regexp.MustCompile(`(?i)duplicate entry|duplicate key|UNIQUE constraint`)

func (DefaultClassifier) IsDeadlock(err error) bool {
	return err != nil && deadlockPattern.MatchString(err.Error())
}

func (DefaultClassifier) IsDuplicateKey(err error) bool {
	return err != nil && duplicatePattern.MatchString(err.Error())
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var (
	_ queue.Backend        = (*Backend)(nil)
	_ queue.TakeSupport    = (*Backend)(nil)
	_ queue.RequeueSupport = (*Backend)(nil)
)

// Backend is the relational queue backend.
type Backend struct {
	opts  Options
	db    *sql.DB
	owned bool

	classifier ErrorClassifier
	logger     log.Logger

	sqlPop         string
	sqlDeleteQ     string
	sqlInsertQ     string
	sqlInsertE     string
	sqlDeleteE     string
	sqlSelectE     string
	sqlOrphans     string
	sqlCountQ      string
	sqlCountE      string
}

// New creates a relational backend.
func New(opts Options) *Backend {
	if opts.Table == "" {
		opts.Table = "queue"
	}
	if opts.EphemeralTable == "" {
		opts.EphemeralTable = "queue_ephemeral"
	}
	if !opts.isolationSet && opts.Isolation == sql.LevelDefault {
		opts.Isolation = sql.LevelSerializable
	}
	b := &Backend{opts: opts, classifier: opts.Classifier, logger: opts.Logger}
	if b.classifier == nil {
		b.classifier = DefaultClassifier{}
	}
	if b.logger == nil {
		b.logger = log.Discard()
	}
	b.logger = b.logger.WithComponent("sqlq")
	return b
}

const columns = "qid, q_original_timestamp, q_timestamp, q_num_requeues, content"

// Init opens the handle when owned, creates the tables, and prepares SQL.
func (b *Backend) Init() error {
	if !identPattern.MatchString(b.opts.Table) || !identPattern.MatchString(b.opts.EphemeralTable) {
		return fmt.Errorf("%w: bad table name", queue.ErrConfiguration)
	}
	if b.db == nil {
		if b.opts.DB != nil {
			b.db = b.opts.DB
		} else {
			if b.opts.Driver == "" || b.opts.DSN == "" {
				return fmt.Errorf("%w: either DB or Driver+DSN is required", queue.ErrConfiguration)
			}
			db, err := sql.Open(b.opts.Driver, b.opts.DSN)
			if err != nil {
				return fmt.Errorf("open %s: %w", b.opts.Driver, err)
			}
			b.db = db
			b.owned = true
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS %s (
		qid TEXT PRIMARY KEY,
		q_original_timestamp BIGINT NOT NULL,
		q_timestamp BIGINT NOT NULL,
		q_num_requeues INT NOT NULL,
		content BLOB
	)`
	for _, table := range []string{b.opts.Table, b.opts.EphemeralTable} {
		if _, err := b.db.Exec(fmt.Sprintf(schema, table)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}

	pop := fmt.Sprintf("SELECT %s FROM %s ORDER BY q_timestamp, qid LIMIT 1", columns, b.opts.Table)
	if b.opts.PopLock != "" {
		pop += " " + b.opts.PopLock
	}
	b.sqlPop = pop
	b.sqlDeleteQ = fmt.Sprintf("DELETE FROM %s WHERE qid = ?", b.opts.Table)
	b.sqlInsertQ = fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?)", b.opts.Table, columns)
	b.sqlInsertE = fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?)", b.opts.EphemeralTable, columns)
	b.sqlDeleteE = fmt.Sprintf("DELETE FROM %s WHERE qid = ?", b.opts.EphemeralTable)
	b.sqlSelectE = fmt.Sprintf("SELECT %s FROM %s WHERE qid = ?", columns, b.opts.EphemeralTable)
	b.sqlOrphans = fmt.Sprintf(
		"SELECT %s FROM %s WHERE q_original_timestamp < ? ORDER BY q_original_timestamp LIMIT ?",
		columns, b.opts.EphemeralTable)
	b.sqlCountQ = fmt.Sprintf("SELECT COUNT(*) FROM %s", b.opts.Table)
	b.sqlCountE = fmt.Sprintf("SELECT COUNT(*) FROM %s", b.opts.EphemeralTable)
	return nil
}

// Close destroys the handle when owned.
func (b *Backend) Close() error {
	if b.db == nil || !b.owned {
		return nil
	}
	return b.db.Close()
}

// classify maps driver errors onto the queue taxonomy.
func (b *Backend) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case b.classifier.IsDeadlock(err):
		return fmt.Errorf("%w: %v", queue.ErrDeadlock, err)
	case b.classifier.IsDuplicateKey(err):
		return fmt.Errorf("%w: %v", queue.ErrDuplicateKey, err)
	default:
		return err
	}
}

// withTx runs fn in a transaction at the configured isolation, rolling back
// on any failure.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: b.opts.Isolation})
	if err != nil {
		return b.classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return b.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return b.classify(err)
	}
	return nil
}

func insertArgs(msg queue.Message) []interface{} {
	return []interface{}{
		msg.ID(),
		msg.OriginalTimestamp().UnixMilli(),
		msg.Timestamp().UnixMilli(),
		msg.NumRequeues(),
		msg.Payload(),
	}
}

func scanMessage(scan func(dest ...interface{}) error) (*queue.BaseMessage, error) {
	var (
		id       string
		origMs   int64
		tsMs     int64
		requeues int
		content  []byte
	)
	if err := scan(&id, &origMs, &tsMs, &requeues, &content); err != nil {
		return nil, err
	}
	msg := queue.NewMessageWithID(id, content)
	msg.SetNumRequeues(requeues)
	msg.SetOriginalTimestamp(time.UnixMilli(origMs).UTC())
	msg.SetTimestamp(time.UnixMilli(tsMs).UTC())
	return msg, nil
}

// Push inserts into the queued table.
func (b *Backend) Push(ctx context.Context, msg queue.Message) (bool, error) {
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, b.sqlInsertQ, insertArgs(msg)...)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pop removes and returns the head row without stashing; the engine uses
// Take instead, this satisfies the port.
func (b *Backend) Pop(ctx context.Context) (queue.Message, error) {
	var msg *queue.BaseMessage
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, b.sqlPop)
		m, err := scanMessage(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.sqlDeleteQ, m.ID()); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	return msg, nil
}

// Take reads the head of the queued table, deletes it, and inserts it into
// the ephemeral table, all in one transaction. A duplicate in the ephemeral
// table is logged and tolerated.
func (b *Backend) Take(ctx context.Context, _ time.Time) (queue.Message, error) {
	var msg *queue.BaseMessage
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, b.sqlPop)
		m, err := scanMessage(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.sqlDeleteQ, m.ID()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.sqlInsertE, insertArgs(m)...); err != nil {
			if b.classifier.IsDuplicateKey(err) {
				b.logger.Warn("message already in ephemeral table", log.String("id", m.ID()))
			} else {
				return err
			}
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	return msg, nil
}

// Stash inserts into the ephemeral table; unused when Take is available but
// kept for the port.
func (b *Backend) Stash(ctx context.Context, msg queue.Message, _ time.Time) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, b.sqlInsertE, insertArgs(msg)...)
		return err
	})
}

// Unstash deletes from the ephemeral table. Idempotent.
func (b *Backend) Unstash(ctx context.Context, id string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, b.sqlDeleteE, id)
		return err
	})
}

// Requeue deletes the ephemeral row and inserts the stamped message back
// into the queued table in one transaction.
func (b *Backend) Requeue(ctx context.Context, msg queue.Message) (bool, error) {
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, b.sqlDeleteE, msg.ID()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, b.sqlInsertQ, insertArgs(msg)...)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// QueuedCount counts the queued table.
func (b *Backend) QueuedCount(ctx context.Context) (int, error) {
	return b.count(ctx, b.sqlCountQ)
}

// EphemeralCount counts the ephemeral table.
func (b *Backend) EphemeralCount(ctx context.Context) (int, error) {
	return b.count(ctx, b.sqlCountE)
}

func (b *Backend) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return -1, b.classify(err)
	}
	return n, nil
}

// ScanOrphans lists ephemeral rows first queued before the given instant.
func (b *Backend) ScanOrphans(ctx context.Context, before time.Time, limit int) ([]queue.Message, error) {
	var out []queue.Message
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, b.sqlOrphans, before.UnixMilli(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveEphemeralToQueued moves a row from the ephemeral table back to the
// queued table in one transaction. Counters are not touched.
func (b *Backend) MoveEphemeralToQueued(ctx context.Context, id string) (bool, error) {
	moved := false
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, b.sqlSelectE, id)
		m, err := scanMessage(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.sqlDeleteE, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.sqlInsertQ, insertArgs(m)...); err != nil {
			if b.classifier.IsDuplicateKey(err) {
				b.logger.Warn("message already back in queue", log.String("id", id))
			} else {
				return err
			}
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}
