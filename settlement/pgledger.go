package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record inserts a pending entry inside the caller's transaction. A second
// record for the same key is ignored, so replayed transitions cannot create a
// second payout.
func Record(ctx context.Context, tx pgx.Tx, in Instruction) error {
	const q = `
		INSERT INTO settlements (transaction_id, kind, recipient, amount, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (transaction_id, kind) DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, in.TransactionID, string(in.Kind), in.Recipient, in.Amount); err != nil {
		return fmt.Errorf("settlement: record %s/%s: %w", in.TransactionID, in.Kind, err)
	}
	return nil
}

// PGLedger implements Ledger backed by PostgreSQL.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) Claim(ctx context.Context, key Key, lease time.Duration) (Entry, bool, error) {
	const q = `
		UPDATE settlements
		SET attempts = attempts + 1,
		    status = 'PENDING',
		    last_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE transaction_id = $1
		  AND kind = $2
		  AND status <> 'DONE'
		  AND (status = 'FAILED' OR last_attempt_at IS NULL OR last_attempt_at < NOW() - make_interval(secs => $3))
		RETURNING transaction_id, kind, recipient, amount, status, attempts, COALESCE(last_error, ''), last_attempt_at, created_at, updated_at
	`
	entry, err := scanEntry(l.pool.QueryRow(ctx, q, key.TransactionID, string(key.Kind), lease.Seconds()))
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, fmt.Errorf("settlement: claim: %w", err)
	}

	var exists bool
	if err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE transaction_id = $1 AND kind = $2)`, key.TransactionID, string(key.Kind)).Scan(&exists); err != nil {
		return Entry{}, false, fmt.Errorf("settlement: claim check: %w", err)
	}
	if !exists {
		return Entry{}, false, ErrUnknownEntry
	}
	return Entry{}, false, nil
}

func (l *PGLedger) Complete(ctx context.Context, key Key) error {
	const q = `UPDATE settlements SET status = 'DONE', last_error = NULL, updated_at = NOW() WHERE transaction_id = $1 AND kind = $2`
	tag, err := l.pool.Exec(ctx, q, key.TransactionID, string(key.Kind))
	if err != nil {
		return fmt.Errorf("settlement: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownEntry
	}
	return nil
}

func (l *PGLedger) Fail(ctx context.Context, key Key, reason string) error {
	const q = `UPDATE settlements SET status = 'FAILED', last_error = $3, updated_at = NOW() WHERE transaction_id = $1 AND kind = $2 AND status <> 'DONE'`
	if _, err := l.pool.Exec(ctx, q, key.TransactionID, string(key.Kind), reason); err != nil {
		return fmt.Errorf("settlement: fail: %w", err)
	}
	return nil
}

func (l *PGLedger) Due(ctx context.Context, lease time.Duration, limit int) ([]Key, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
		SELECT transaction_id, kind
		FROM settlements
		WHERE status <> 'DONE'
		  AND (status = 'FAILED' OR last_attempt_at IS NULL OR last_attempt_at < NOW() - make_interval(secs => $1))
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := l.pool.Query(ctx, q, lease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: due: %w", err)
	}
	defer rows.Close()

	keys := make([]Key, 0, limit)
	for rows.Next() {
		var (
			k    Key
			kind string
		)
		if err := rows.Scan(&k.TransactionID, &kind); err != nil {
			return nil, fmt.Errorf("settlement: scan due: %w", err)
		}
		k.Kind = Kind(kind)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate due: %w", err)
	}
	return keys, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e      Entry
		kind   string
		status string
	)
	err := row.Scan(
		&e.TransactionID,
		&kind,
		&e.Recipient,
		&e.Amount,
		&status,
		&e.Attempts,
		&e.LastError,
		&e.LastAttemptAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	return e, nil
}
