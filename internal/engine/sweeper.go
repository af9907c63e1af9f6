package engine

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RunSweeper is the durability fallback for in-process offer timers: it
// periodically scans pending requests whose offeree key TTL has lapsed and
// synthesizes the timeout a crashed worker never delivered. Runs until the
// context is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	ids, err := e.store.PendingRequests(ctx)
	if err != nil {
		e.logger.Warn("sweeper scan failed", "error", err)
		return
	}
	for _, id := range ids {
		status, err := e.store.Status(ctx, id)
		if err != nil {
			continue
		}
		if status != models.StatusPending {
			// resolved elsewhere; drop from the registry
			_ = e.store.RemovePending(ctx, id)
			continue
		}
		cur, err := e.store.CurrentOfferee(ctx, id)
		if err != nil || cur != "" {
			continue
		}
		last, err := e.store.LastOffer(ctx, id)
		if err != nil || last == "" {
			continue
		}
		if err := e.Timeout(ctx, id, last); err != nil {
			e.logger.Warn("sweeper timeout failed", "request_id", id, "driver_id", last, "error", err)
		}
	}
}
