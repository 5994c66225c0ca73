package queue

import (
	"context"
	"sync"
	"time"

	"github.com/blameswood/ddth-queue/pkg/log"
)

// RecovererConfig tunes the orphan-recovery loop.
type RecovererConfig struct {
	// Threshold is the age past which an in-flight message counts as
	// orphaned (default 5m).
	Threshold time.Duration
	// Interval is how often to scan (default 2s).
	Interval time.Duration
	// BatchSize caps requeues per cycle (default 100).
	BatchSize int
}

// Recoverer periodically scans a queue for orphaned in-flight messages and
// moves them back to the queued store with their counters unchanged. One
// recoverer per queue; concurrent recoverers are safe but wasteful.
type Recoverer struct {
	queue  Queue
	cfg    RecovererConfig
	logger log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecoverer creates a stopped Recoverer for the given queue.
func NewRecoverer(q Queue, cfg RecovererConfig, logger log.Logger) *Recoverer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	return &Recoverer{queue: q, cfg: cfg, logger: logger.WithComponent("recoverer")}
}

// Start launches the background scan loop. Calling Start on a running
// recoverer is a no-op.
func (r *Recoverer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop terminates the scan loop and waits for the in-flight cycle to finish.
func (r *Recoverer) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Recoverer) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("orphan recovery cycle failed", log.Err(err))
				continue
			}
			if moved > 0 {
				r.logger.Info("recovered orphaned messages", log.Int("count", moved))
			}
		}
	}
}

// RunOnce performs a single recovery cycle and returns the number of
// messages moved back to the queued store.
func (r *Recoverer) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.queue.OrphanMessages(ctx, r.cfg.Threshold)
	if err != nil {
		return 0, err
	}
	if len(msgs) > r.cfg.BatchSize {
		msgs = msgs[:r.cfg.BatchSize]
	}
	moved := 0
	for _, m := range msgs {
		ok, err := r.queue.MoveFromEphemeralToQueue(ctx, m)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
			r.logger.Debug("orphan requeued", log.String("id", m.ID()))
		}
	}
	return moved, nil
}
