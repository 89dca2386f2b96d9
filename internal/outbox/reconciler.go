package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StuckReason is recorded on events reclaimed by the reconciler.
const StuckReason = "processing lease expired"

// Reconciler returns events left in PROCESSING by a crashed dispatcher to
// FAILED so they become eligible again.
type Reconciler struct {
	store      Store
	stuckAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler. Zero durations fall back to five
// minutes for stuckAfter and one minute for interval.
func NewReconciler(store Store, stuckAfter, interval time.Duration, logger *slog.Logger) *Reconciler {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:      store,
		stuckAfter: stuckAfter,
		interval:   interval,
		logger:     logger.With("component", "outbox_reconciler"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Sweep reclaims stuck events once and returns how many were reset.
func (r *Reconciler) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.ResetStuck(ctx, r.now().Add(-r.stuckAfter), StuckReason)
	if err != nil {
		return 0, fmt.Errorf("reset stuck outbox events: %w", err)
	}
	if n > 0 {
		r.logger.Warn("reclaimed stuck outbox events", "count", n, "stuck_after", r.stuckAfter)
	}
	return n, nil
}

// Start runs Sweep on the configured interval.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error("outbox reconcile failed", "error", err)
				}
			}
		}
	}()
}

// Stop waits for a running sweep to finish. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}
