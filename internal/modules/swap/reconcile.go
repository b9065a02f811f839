// README: Expiry reconciler sweep; externally triggered, safe to overlap with itself.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetswap/internal/types"
)

type SweepReport struct {
	Reverted int
	Deferred int
	Expired  int
	// Skipped counts items another caller settled first.
	Skipped int
	Failed  int
	Errors  []error
}

func (r SweepReport) Empty() bool {
	return r.Reverted == 0 && r.Deferred == 0 && r.Expired == 0 && r.Failed == 0
}

type sweepItem struct {
	id     types.ID
	expire bool
}

// Sweep drives every due request forward: accepted swaps past their scheduled
// end and pending_revert swaps go through End, lapsed pending requests are
// deleted. Per-item failures are reported, not returned.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	start := time.Now()

	due, err := s.store.FindRequests(ctx, Filter{Statuses: []Status{StatusAccepted}, EndsBy: now})
	if err != nil {
		return SweepReport{}, fmt.Errorf("find due swaps: %w", err)
	}
	waiting, err := s.store.FindRequests(ctx, Filter{Statuses: []Status{StatusPendingRevert}})
	if err != nil {
		return SweepReport{}, fmt.Errorf("find pending reverts: %w", err)
	}
	pending, err := s.store.FindRequests(ctx, Filter{Statuses: []Status{StatusPending}})
	if err != nil {
		return SweepReport{}, fmt.Errorf("find pending swaps: %w", err)
	}

	items := make([]sweepItem, 0, len(due)+len(waiting)+len(pending))
	seen := make(map[types.ID]bool, cap(items))
	add := func(id types.ID, expire bool) {
		// a request may move from accepted to pending_revert between the reads
		if !seen[id] {
			seen[id] = true
			items = append(items, sweepItem{id: id, expire: expire})
		}
	}
	for _, r := range due {
		add(r.ID, false)
	}
	for _, r := range waiting {
		add(r.ID, false)
	}
	for _, r := range pending {
		if r.acceptWindowLapsed(now) || r.scheduleLapsed(now) {
			add(r.ID, true)
		}
	}

	var (
		mu     sync.Mutex
		report SweepReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for _, it := range items {
		g.Go(func() error {
			action, err := s.sweepOne(gctx, it, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && (Moot(err) || errors.Is(err, ErrNotFound)):
				report.Skipped++
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("swap %s: %w", it.id, err))
			default:
				switch action {
				case "reverted":
					report.Reverted++
				case "deferred":
					report.Deferred++
				case "expired":
					report.Expired++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SweepAction("reverted", report.Reverted)
	s.metrics.SweepAction("deferred", report.Deferred)
	s.metrics.SweepAction("expired", report.Expired)
	s.metrics.SweepAction("failed", report.Failed)
	if left, err := s.store.FindRequests(ctx, Filter{Statuses: []Status{StatusPendingRevert}}); err == nil {
		s.metrics.SetPendingRevert(len(left))
	}

	if !report.Empty() {
		s.log.Info("swap sweep",
			zap.Int("reverted", report.Reverted),
			zap.Int("deferred", report.Deferred),
			zap.Int("expired", report.Expired),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
	for _, e := range report.Errors {
		s.log.Warn("swap sweep item failed", zap.Error(e))
	}
	return report, nil
}

func (s *Service) sweepOne(ctx context.Context, it sweepItem, now time.Time) (string, error) {
	if it.expire {
		if err := s.expire(ctx, it.id, now); err != nil {
			return "", err
		}
		return "expired", nil
	}
	res, err := s.End(ctx, it.id, SystemActor)
	if err != nil {
		return "", err
	}
	if res.Done {
		return "reverted", nil
	}
	return "deferred", nil
}

// expire deletes a pending request whose acceptance window or schedule lapsed.
func (s *Service) expire(ctx context.Context, id types.ID, now time.Time) (err error) {
	start := time.Now()
	defer func() { s.finish("expire", start, err, actorFields(id, SystemActor)...) }()

	var fx effects
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		r, err := tx.Request(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return ErrAlreadyResolved
		}
		if !r.acceptWindowLapsed(now) && !r.scheduleLapsed(now) {
			return ErrAlreadyResolved
		}
		if err := tx.DeleteRequest(ctx, r.ID); err != nil {
			return err
		}
		fx.remove(r.ID)
		fx.notify("Swap request expired", "The swap request expired before it was accepted.", r.RequesterID, r.CandidateID)
		return nil
	})
	if err != nil {
		return err
	}
	s.dispatch(ctx, &fx)
	return nil
}
