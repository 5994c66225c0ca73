package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/blameswood/ddth-queue/pkg/id"
	"github.com/blameswood/ddth-queue/pkg/log"
)

// DefaultMaxRetries bounds deadlock retries per logical transition.
const DefaultMaxRetries = 3

// Ensure Engine implements the public contract.
var _ Queue = (*Engine)(nil)

// Engine implements Queue over a Backend. It owns the transition rules
// (clone discipline, counter and timestamp stamping, unstash-before-push
// ordering) and the failure policy (deadlock retry, duplicate-key
// tolerance). Backend-level atomicity is delegated to the backend via the
// TakeSupport and RequeueSupport capabilities.
//
// Engines are safe for concurrent use; they hold no cross-operation locks.
type Engine struct {
	backend    Backend
	logger     log.Logger
	now        func() time.Time
	ids        *id.Generator
	maxRetries int
	orphanCap  int
	closed     atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the wall-clock source. Tests inject fixed clocks here.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxRetries overrides the deadlock retry bound.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithOrphanBatch caps the number of orphans returned per scan (default 100).
func WithOrphanBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.orphanCap = n
		}
	}
}

// New wraps a backend in an Engine.
func New(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:    backend,
		logger:     log.NewLogger(log.WithLevel(log.InfoLevel)),
		now:        time.Now,
		ids:        id.NewGenerator(),
		maxRetries: DefaultMaxRetries,
		orphanCap:  100,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("queue")
	return e
}

// Backend returns the wrapped backend.
func (e *Engine) Backend() Backend { return e.backend }

// Init initializes the backend.
func (e *Engine) Init() error { return e.backend.Init() }

// Close shuts the engine down and releases owned backend resources.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.backend.Close()
}

// Queue implements Queue.Queue.
func (e *Engine) Queue(ctx context.Context, msg Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	if e.closed.Load() {
		return false, opError("queue", ErrClosed)
	}
	m := msg.Clone()
	if m.ID() == "" {
		m.SetID(e.ids.Next().String())
	}
	now := e.now()
	m.SetNumRequeues(0)
	m.SetOriginalTimestamp(now)
	m.SetTimestamp(now)
	return e.pushWithRetries(ctx, "queue", m)
}

// Requeue implements Queue.Requeue. The counter and timestamp are stamped
// once, before the retry loop, so deadlock retries cannot inflate the
// visible requeue count.
func (e *Engine) Requeue(ctx context.Context, msg Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	if e.closed.Load() {
		return false, opError("requeue", ErrClosed)
	}
	m := msg.Clone()
	m.IncNumRequeues()
	m.SetTimestamp(e.now())
	return e.restoreWithRetries(ctx, "requeue", m)
}

// RequeueSilent implements Queue.RequeueSilent.
func (e *Engine) RequeueSilent(ctx context.Context, msg Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	if e.closed.Load() {
		return false, opError("requeueSilent", ErrClosed)
	}
	return e.restoreWithRetries(ctx, "requeueSilent", msg.Clone())
}

// Finish implements Queue.Finish.
func (e *Engine) Finish(ctx context.Context, msg Message) error {
	if msg == nil {
		return nil
	}
	if e.closed.Load() {
		return opError("finish", ErrClosed)
	}
	for attempt := 0; ; attempt++ {
		err := e.backend.Unstash(ctx, msg.ID())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrUnsupported):
			return nil
		case errors.Is(err, ErrDeadlock) && attempt < e.maxRetries:
			e.logger.Debug("finish deadlocked, retrying",
				log.String("id", msg.ID()), log.Int("attempt", attempt+1))
		default:
			return opError("finish", err)
		}
	}
}

// Take implements Queue.Take.
func (e *Engine) Take(ctx context.Context) (Message, error) {
	if e.closed.Load() {
		return nil, opError("take", ErrClosed)
	}
	for attempt := 0; ; attempt++ {
		m, err := e.takeOnce(ctx)
		switch {
		case err == nil:
			return m, nil
		case errors.Is(err, ErrDeadlock) && attempt < e.maxRetries:
			e.logger.Debug("take deadlocked, retrying", log.Int("attempt", attempt+1))
		default:
			return nil, opError("take", err)
		}
	}
}

func (e *Engine) takeOnce(ctx context.Context) (Message, error) {
	if ts, ok := e.backend.(TakeSupport); ok {
		return ts.Take(ctx, e.now())
	}
	m, err := e.backend.Pop(ctx)
	if err != nil || m == nil {
		return nil, err
	}
	err = e.backend.Stash(ctx, m, e.now())
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupported):
		// backend has no in-flight store; delivery is fire-and-forget
	case errors.Is(err, ErrDuplicateKey):
		e.logger.Warn("message already in flight", log.String("id", m.ID()))
	default:
		return nil, err
	}
	return m, nil
}

// OrphanMessages implements Queue.OrphanMessages.
func (e *Engine) OrphanMessages(ctx context.Context, threshold time.Duration) ([]Message, error) {
	if e.closed.Load() {
		return nil, opError("orphanMessages", ErrClosed)
	}
	before := e.now().Add(-threshold)
	for attempt := 0; ; attempt++ {
		msgs, err := e.backend.ScanOrphans(ctx, before, e.orphanCap)
		switch {
		case err == nil:
			return msgs, nil
		case errors.Is(err, ErrDeadlock) && attempt < e.maxRetries:
			e.logger.Debug("orphan scan deadlocked, retrying", log.Int("attempt", attempt+1))
		default:
			return nil, opError("orphanMessages", err)
		}
	}
}

// MoveFromEphemeralToQueue implements Queue.MoveFromEphemeralToQueue.
func (e *Engine) MoveFromEphemeralToQueue(ctx context.Context, msg Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	if e.closed.Load() {
		return false, opError("moveFromEphemeralToQueue", ErrClosed)
	}
	for attempt := 0; ; attempt++ {
		moved, err := e.backend.MoveEphemeralToQueued(ctx, msg.ID())
		switch {
		case err == nil:
			return moved, nil
		case errors.Is(err, ErrDeadlock) && attempt < e.maxRetries:
			e.logger.Debug("move deadlocked, retrying",
				log.String("id", msg.ID()), log.Int("attempt", attempt+1))
		default:
			return false, opError("moveFromEphemeralToQueue", err)
		}
	}
}

// QueueSize implements Queue.QueueSize. Errors are swallowed; -1 is returned
// when the backend cannot report a size.
func (e *Engine) QueueSize(ctx context.Context) int {
	n, err := e.backend.QueuedCount(ctx)
	if err != nil {
		e.logger.Error("queue size query failed", log.Err(err))
		return -1
	}
	return n
}

// EphemeralSize implements Queue.EphemeralSize.
func (e *Engine) EphemeralSize(ctx context.Context) int {
	n, err := e.backend.EphemeralCount(ctx)
	if err != nil {
		e.logger.Error("ephemeral size query failed", log.Err(err))
		return -1
	}
	return n
}

// pushWithRetries pushes a stamped clone, absorbing duplicate-key collisions
// and retrying deadlocks.
func (e *Engine) pushWithRetries(ctx context.Context, op string, m Message) (bool, error) {
	for attempt := 0; ; attempt++ {
		ok, err := e.backend.Push(ctx, m)
		switch {
		case err == nil:
			return ok, nil
		case errors.Is(err, ErrDuplicateKey):
			e.logger.Warn("duplicate id on push, treating as success",
				log.String("id", m.ID()), log.String("op", op))
			return true, nil
		case errors.Is(err, ErrDeadlock) && attempt < e.maxRetries:
			e.logger.Debug("push deadlocked, retrying",
				log.String("id", m.ID()), log.Int("attempt", attempt+1))
		default:
			return false, opError(op, err)
		}
	}
}

// restoreWithRetries moves an already-stamped clone from the in-flight store
// back to the queued store. Unstash strictly precedes push so that at most
// one copy of an id exists across the two stores at commit boundaries, even
// under concurrent orphan recovery.
func (e *Engine) restoreWithRetries(ctx context.Context, op string, m Message) (bool, error) {
	for attempt := 0; ; attempt++ {
		ok, err := e.restoreOnce(ctx, m)
		switch {
		case err == nil:
			return ok, nil
		case errors.Is(err, ErrDuplicateKey):
			e.logger.Warn("duplicate id on requeue, treating as success",
				log.String("id", m.ID()), log.String("op", op))
			return true, nil
		case errors.Is(err, ErrDeadlock) && attempt < e.maxRetries:
			e.logger.Debug("requeue deadlocked, retrying",
				log.String("id", m.ID()), log.Int("attempt", attempt+1))
		default:
			return false, opError(op, err)
		}
	}
}

func (e *Engine) restoreOnce(ctx context.Context, m Message) (bool, error) {
	if rs, ok := e.backend.(RequeueSupport); ok {
		return rs.Requeue(ctx, m)
	}
	if err := e.backend.Unstash(ctx, m.ID()); err != nil && !errors.Is(err, ErrUnsupported) {
		return false, err
	}
	return e.backend.Push(ctx, m)
}
