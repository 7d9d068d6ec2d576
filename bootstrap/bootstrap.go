// Package bootstrap assembles the escrow engine and its collaborators from
// configuration for the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

// Deps holds the wired components. Pool and Relay are nil for the memory store,
// which publishes its events inline instead.
type Deps struct {
	Engine     *escrow.Engine
	Store      escrow.Store
	Settlement *settlement.Service
	Relay      *outbox.Relay
	Pool       *pgxpool.Pool
}

// Close releases the database pool, if any.
func (d *Deps) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// Build connects the configured store, applies migrations when migrate is set
// and wires the engine.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*Deps, error) {
	deps := &Deps{}
	var ledger settlement.Ledger

	switch cfg.Database.Store {
	case "memory":
		mem := escrow.NewMemoryStore()
		mem.PublishTo(outbox.LogPublisher{Logger: logger}, logger)
		deps.Store = mem
		ledger = mem.Ledger()
		logger.Warn("using in-memory escrow store; state is lost on exit")
	default:
		if migrate {
			if err := db.Migrate(cfg.Database.URL, escrowflow.Migrations, "migrations", logger); err != nil {
				return nil, err
			}
		}
		pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, err
		}
		deps.Pool = pool
		deps.Store = escrow.NewPGStore(pool)
		ledger = settlement.NewPGLedger(pool)
		deps.Relay = outbox.NewRelay(pool, outbox.LogPublisher{Logger: logger}, logger, cfg.Relay.Batch, cfg.Relay.MaxAttempts)
	}

	deps.Settlement = settlement.NewService(ledger, settlement.LogGateway{Logger: logger}, logger)
	engine, err := escrow.NewEngine(deps.Store, deps.Settlement, logger, cfg.EngineOptions())
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("bootstrap: engine: %w", err)
	}
	deps.Engine = engine
	return deps, nil
}
