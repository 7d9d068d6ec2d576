package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Enqueue inserts events inside the caller's transaction so they become visible
// to the relay only once the state change commits.
func Enqueue(ctx context.Context, tx pgx.Tx, events ...Event) error {
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	for _, ev := range events {
		body, err := ev.Encode()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, q, ev.Topic, string(body)); err != nil {
			return fmt.Errorf("outbox: enqueue %s: %w", ev.Topic, err)
		}
	}
	return nil
}
