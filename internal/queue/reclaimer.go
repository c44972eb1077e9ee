package queue

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultReclaimInterval is how often the sweep runs.
	DefaultReclaimInterval = 5 * time.Minute

	// DefaultReclaimThreshold is how long an item may sit in processing
	// before it is considered orphaned (worker crashed or was killed).
	DefaultReclaimThreshold = 5 * time.Minute
)

// ReclaimStore is the slice of the store the reclaimer needs.
type ReclaimStore interface {
	ReclaimStuck(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reclaimer periodically returns orphaned processing items to pending.
// It runs on its own timer, independent of the worker's poll cycle, and
// never touches retry_count — a reclaim is crash recovery, not a retry.
type Reclaimer struct {
	store     ReclaimStore
	logger    *slog.Logger
	interval  time.Duration
	threshold time.Duration
}

func NewReclaimer(store ReclaimStore, logger *slog.Logger, interval, threshold time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	if threshold <= 0 {
		threshold = DefaultReclaimThreshold
	}
	return &Reclaimer{
		store:     store,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
	}
}

// Start begins the sweep loop. It blocks until ctx is cancelled.
func (r *Reclaimer) Start(ctx context.Context) {
	r.logger.Info("reclaimer started",
		"interval", r.interval,
		"threshold", r.threshold,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopping")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reclaim sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep and returns how many items were reclaimed.
func (r *Reclaimer) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.threshold)

	reclaimed, err := r.store.ReclaimStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if reclaimed > 0 {
		r.logger.Warn("reclaimed stuck queue items", "count", reclaimed)
	}

	return reclaimed, nil
}
