// Package release drives DELIVERED transactions through auto-release once their
// dispute window has elapsed, and retires PENDING transactions nobody funded.
//
// The sweep may visit a transaction that a buyer confirms concurrently, or that
// another worker is releasing. The engine's conditional update picks exactly one
// winner; losers see an already-completed transaction and count it as handled.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
)

// Engine is the slice of escrow.Engine the scheduler drives.
type Engine interface {
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
	AutoRelease(ctx context.Context, id string, now time.Time) (bool, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpirePending(ctx context.Context, id string, now time.Time) (bool, error)
}

// Options tunes a Scheduler. Zero values fall back to defaults.
type Options struct {
	Interval    time.Duration
	Batch       int
	Concurrency int
	Now         func() time.Time
}

// Scheduler periodically sweeps due transactions.
type Scheduler struct {
	engine Engine
	logger *slog.Logger
	opts   Options
}

func NewScheduler(engine Engine, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: engine, logger: logger, opts: opts}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.opts.Now()
			released, err := s.Sweep(ctx, now)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("auto-release sweep", "error", err)
			}
			expired, err := s.Expire(ctx, now)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("pending expiry sweep", "error", err)
			}
			if released > 0 || expired > 0 {
				s.logger.Info("sweep finished", "released", released, "expired", expired)
			}
		}
	}
}

// Sweep releases due transactions and returns how many this call released.
// Transactions another caller completed first are not counted and are not
// errors.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	return s.drain(ctx, "auto-release", func(ctx context.Context) ([]string, error) {
		ids, err := s.engine.DueForRelease(ctx, now, s.opts.Batch)
		if err != nil {
			return nil, fmt.Errorf("release: list due: %w", err)
		}
		return ids, nil
	}, func(ctx context.Context, id string) (bool, error) {
		return s.engine.AutoRelease(ctx, id, now)
	})
}

// Expire cancels PENDING transactions past their TTL.
func (s *Scheduler) Expire(ctx context.Context, now time.Time) (int, error) {
	return s.drain(ctx, "expire", func(ctx context.Context) ([]string, error) {
		ids, err := s.engine.ExpiredPending(ctx, now, s.opts.Batch)
		if err != nil {
			return nil, fmt.Errorf("release: list expired: %w", err)
		}
		return ids, nil
	}, func(ctx context.Context, id string) (bool, error) {
		return s.engine.ExpirePending(ctx, id, now)
	})
}

// drain keeps listing batches while the last one was full and moved at least
// one transaction. A full batch where nothing moved is left for the next tick.
func (s *Scheduler) drain(ctx context.Context, what string, list func(context.Context) ([]string, error), fn func(context.Context, string) (bool, error)) (int, error) {
	total := 0
	for {
		ids, err := list(ctx)
		if err != nil {
			return total, err
		}
		n, err := s.each(ctx, ids, what, fn)
		total += n
		if err != nil {
			return total, err
		}
		if len(ids) < s.opts.Batch || n == 0 || ctx.Err() != nil {
			return total, nil
		}
	}
}

// each applies fn to ids with bounded concurrency. A failure on one transaction
// is logged and does not stop the others.
func (s *Scheduler) each(ctx context.Context, ids []string, what string, fn func(context.Context, string) (bool, error)) (int, error) {
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			ok, err := fn(gctx, id)
			switch {
			case err == nil:
				if ok {
					done.Add(1)
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrConcurrentModification):
				// Disputed or otherwise moved on since the scan; the next tick re-reads.
				s.logger.Debug("sweep skipped transaction", "op", what, "transaction_id", id, "reason", err)
			default:
				s.logger.Error("sweep transaction failed", "op", what, "transaction_id", id, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(done.Load()), err
}
