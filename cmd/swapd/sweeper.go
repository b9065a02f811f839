// README: Periodic trigger for the swap reconciler.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetswap/internal/modules/swap"
)

type sweeper interface {
	Sweep(ctx context.Context, now time.Time) (swap.SweepReport, error)
}

// runSweeper calls Sweep every interval until ctx is done. Sweeps never overlap here,
// though the engine tolerates overlap with POST /internal/sweep.
func runSweeper(ctx context.Context, s sweeper, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil {
				log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
