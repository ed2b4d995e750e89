// Package sweep settles listings whose end time has passed. Every worker
// process runs its own sweeper; row locks taken in skip-locked mode keep two
// workers from settling the same listing at once.
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"market-settlement/internal/marketerrors"
	market "market-settlement/internal/marketService"
	"market-settlement/utils"
)

// Settler is the part of the market service the sweep drives
type Settler interface {
	ExpiredListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	SettleExpired(ctx context.Context, listingID string, now time.Time) (market.Outcome, error)
}

// Report summarizes one sweep cycle
type Report struct {
	Scanned          int
	Settled          int
	GoodsUnavailable int
	Skipped          int
	Failed           int
}

// Sweeper settles expired listings in batches. Listings that failed in an
// earlier cycle are retried only after fresh candidates.
type Sweeper struct {
	settler   Settler
	batchSize int
	now       func() time.Time

	mu     sync.Mutex
	failed map[string]struct{}
}

// New creates a sweeper. A nil clock uses the wall clock in UTC.
func New(settler Settler, batchSize int, clock func() time.Time) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{settler: settler, batchSize: batchSize, now: clock, failed: make(map[string]struct{})}
}

// RunOnce scans for expired listings and settles each in its own transaction.
// Listings held by another worker are skipped; one listing failing does not
// stop the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.settler.ExpiredListingIDs(ctx, now, s.batchSize+len(s.failed))
	if err != nil {
		return rep, err
	}
	ids, stillFailed := s.order(ids)
	rep.Scanned = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			s.failed = stillFailed
			return rep, ctx.Err()
		}
		out, err := s.settler.SettleExpired(ctx, id, now)
		delete(stillFailed, id)
		switch {
		case errors.Is(err, marketerrors.ErrLocked):
			rep.Skipped++
		case err != nil:
			rep.Failed++
			stillFailed[id] = struct{}{}
			utils.Error("sweep: failed to settle listing", map[string]any{
				"listing_id": id,
				"error":      err.Error(),
			})
		case out.Kind == market.AlreadyTerminal:
			rep.Skipped++
		default:
			rep.Settled++
			if out.GoodsUnavailable {
				rep.GoodsUnavailable++
			}
		}
	}

	s.failed = stillFailed

	if rep.Scanned > 0 {
		utils.Info("sweep cycle finished", map[string]any{
			"scanned":           rep.Scanned,
			"settled":           rep.Settled,
			"goods_unavailable": rep.GoodsUnavailable,
			"skipped":           rep.Skipped,
			"failed":            rep.Failed,
		})
	}
	return rep, nil
}

// order puts fresh candidates ahead of ids that failed before and trims the
// result to one batch. It returns the failed ids still pending, so ids that
// left the scan are forgotten.
func (s *Sweeper) order(ids []string) ([]string, map[string]struct{}) {
	fresh := make([]string, 0, len(ids))
	retry := make([]string, 0, len(s.failed))
	pending := make(map[string]struct{}, len(s.failed))
	for _, id := range ids {
		if _, ok := s.failed[id]; ok {
			retry = append(retry, id)
			pending[id] = struct{}{}
			continue
		}
		fresh = append(fresh, id)
	}
	out := append(fresh, retry...)
	if len(out) > s.batchSize {
		out = out[:s.batchSize]
	}
	return out, pending
}

// Job adapts RunOnce to the cron runner
func (s *Sweeper) Job(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		utils.Error("sweep: cycle aborted", map[string]any{"error": err.Error()})
	}
}
