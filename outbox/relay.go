package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Publisher delivers a committed event to the notification collaborator.
// Delivery is at-least-once; subscribers must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// LogPublisher writes events to the structured log. It stands in for the
// socket relay in deployments without one.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	p.Logger.Info("domain event", "id", msg.ID, "topic", msg.Topic, "payload", string(msg.Payload))
	return nil
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay consumes pending outbox rows with SKIP LOCKED so several workers can
// share the table, marking them processed, or dead after MaxAttempts failures.
type Relay struct {
	pool        TxBeginner
	pub         Publisher
	logger      *slog.Logger
	batch       int
	maxAttempts int
}

// NewRelay wires a relay. Non-positive batch and maxAttempts fall back to defaults.
func NewRelay(pool TxBeginner, pub Publisher, logger *slog.Logger, batch, maxAttempts int) *Relay {
	if batch <= 0 {
		batch = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Relay{pool: pool, pub: pub, logger: logger, batch: batch, maxAttempts: maxAttempts}
}

// RelayOnce publishes up to one batch and returns the number delivered.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin relay: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}
	msgs := make([]Message, 0, r.batch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Status = StatusPending
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	delivered := 0
	for _, m := range msgs {
		if err := r.pub.Publish(ctx, m); err != nil {
			next := StatusPending
			if m.Attempts+1 >= r.maxAttempts {
				next = StatusDead
			}
			r.logger.Warn("outbox publish failed", "id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW(), status = $2 WHERE id = $1`, m.ID, string(next)); err != nil {
				return delivered, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, m.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit relay: %w", err)
	}
	return delivered, nil
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					r.logger.Error("outbox relay", "error", err)
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}
