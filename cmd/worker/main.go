// Command worker runs the background loops of the escrow service: the
// auto-release and expiry sweep, the outbox relay and settlement reconcile.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/bootstrap"
	"escrowflow/config"
	"escrowflow/logging"
	"escrowflow/release"
	"escrowflow/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Build(ctx, cfg, logger, false)
	if err != nil {
		logger.Error("bootstrap escrow engine", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	scheduler := release.NewScheduler(deps.Engine, logger, release.Options{
		Interval:    cfg.Sweep.Interval,
		Batch:       cfg.Sweep.Batch,
		Concurrency: cfg.Sweep.Concurrency,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	if deps.Relay != nil {
		g.Go(func() error {
			return deps.Relay.Run(ctx, cfg.Relay.Interval)
		})
	}
	g.Go(func() error {
		return reconcile(ctx, deps.Settlement, cfg.Sweep.Interval, cfg.Sweep.Batch, logger)
	})

	logger.Info("escrow worker started", "store", cfg.Database.Store, "sweep_interval", cfg.Sweep.Interval)
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("escrow worker stopped")
}

// reconcile replays settlements whose post-commit execution failed.
func reconcile(ctx context.Context, svc *settlement.Service, interval time.Duration, batch int, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := svc.Reconcile(ctx, batch)
			if err != nil {
				logger.Error("settlement reconcile", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("settlements replayed", "count", n)
			}
		}
	}
}
