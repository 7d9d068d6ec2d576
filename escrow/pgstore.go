package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/fee"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/settlement"
)

const (
	uniqueViolation = "23505"

	constraintInviteCode  = "escrow_transactions_invite_code_key"
	constraintOneApproved = "escrow_payment_slips_one_approved"
	constraintOneOpen     = "escrow_disputes_one_open"
)

const txColumns = `id, title, description, amount, fee_percent, fee_amount, net_amount,
	buyer_pays, seller_receives, fee_payer, status, seller_id, buyer_id, invite_code,
	invite_expiry, cancel_requested_by, paid_at, delivered_at, completed_at, cancelled_at,
	auto_release_at, expires_at, version, created_at, updated_at`

const slipColumns = `id, transaction_id, submitted_by, image_url, amount, payment_method,
	transfer_date, reference_no, status, note, reviewed_by, reviewed_at, created_at`

const disputeColumns = `id, transaction_id, created_by, reason, description, evidence_urls,
	status, outcome, resolved_by, resolved_at, created_at, updated_at`

// PGStore implements Store on PostgreSQL. Apply runs the conditional update,
// child rows, settlement record and outbox events in one database transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, t Transaction) error {
	const q = `
		INSERT INTO escrow_transactions (` + txColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
	`
	_, err := s.pool.Exec(ctx, q,
		t.ID, t.Title, t.Description, t.Amount, t.FeePercent, t.FeeAmount, t.NetAmount,
		t.BuyerPays, t.SellerReceives, string(t.FeePayer), string(t.Status), t.SellerID, t.BuyerID, t.InviteCode,
		t.InviteExpiry, t.CancelRequestedBy, t.PaidAt, t.DeliveredAt, t.CompletedAt, t.CancelledAt,
		t.AutoReleaseAt, t.ExpiresAt, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if mapped := mapUnique(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: get transaction: %w", err)
	}
	return t, nil
}

func (s *PGStore) GetByInviteCode(ctx context.Context, code string) (Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE invite_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: get by invite code: %w", err)
	}
	return t, nil
}

func (s *PGStore) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE invite_code = $1)`, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("escrow: invite code exists: %w", err)
	}
	return exists, nil
}

func (s *PGStore) Apply(ctx context.Context, c Change) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n := c.Next
	const q = `
		UPDATE escrow_transactions
		SET status = $1,
		    buyer_id = $2,
		    invite_code = $3,
		    invite_expiry = $4,
		    cancel_requested_by = $5,
		    paid_at = $6,
		    delivered_at = $7,
		    completed_at = $8,
		    cancelled_at = $9,
		    auto_release_at = $10,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $11 AND status = $12 AND version = $13
		RETURNING ` + txColumns
	out, err := scanTransaction(tx.QueryRow(ctx, q,
		string(n.Status), n.BuyerID, n.InviteCode, n.InviteExpiry, n.CancelRequestedBy,
		n.PaidAt, n.DeliveredAt, n.CompletedAt, n.CancelledAt, n.AutoReleaseAt,
		n.ID, string(c.Expected), n.Version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, n.ID).Scan(&exists); err != nil {
			return Transaction{}, fmt.Errorf("escrow: check transaction: %w", err)
		}
		if !exists {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, ErrConcurrentModification
	}
	if err != nil {
		if mapped := mapUnique(err); mapped != nil {
			return Transaction{}, mapped
		}
		return Transaction{}, fmt.Errorf("escrow: update transaction: %w", err)
	}

	// Slip inserts also update the transaction row, so the row lock taken
	// above keeps this check stable until commit.
	if c.NoPendingSlip {
		var pending bool
		const pq = `SELECT EXISTS (SELECT 1 FROM escrow_payment_slips WHERE transaction_id = $1 AND status = 'PENDING')`
		if err := tx.QueryRow(ctx, pq, n.ID).Scan(&pending); err != nil {
			return Transaction{}, fmt.Errorf("escrow: check pending slips: %w", err)
		}
		if pending {
			return Transaction{}, ErrSlipAwaitingReview
		}
	}
	if c.InsertSlip != nil {
		if err := insertSlip(ctx, tx, *c.InsertSlip); err != nil {
			return Transaction{}, err
		}
	}
	if c.ReviewSlip != nil {
		if err := reviewSlip(ctx, tx, *c.ReviewSlip); err != nil {
			return Transaction{}, err
		}
	}
	if c.InsertDispute != nil {
		if err := insertDispute(ctx, tx, *c.InsertDispute); err != nil {
			return Transaction{}, err
		}
	}
	if c.ResolveDispute != nil {
		if err := resolveDispute(ctx, tx, *c.ResolveDispute); err != nil {
			return Transaction{}, err
		}
	}
	if c.Settlement != nil {
		if err := settlement.Record(ctx, tx, *c.Settlement); err != nil {
			return Transaction{}, err
		}
	}
	if err := outbox.Enqueue(ctx, tx, c.Events...); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return out, nil
}

func insertSlip(ctx context.Context, tx pgx.Tx, sl payment.Slip) error {
	const q = `
		INSERT INTO escrow_payment_slips (` + slipColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := tx.Exec(ctx, q,
		sl.ID, sl.TransactionID, sl.SubmittedBy, sl.ImageURL, sl.Amount, sl.PaymentMethod,
		sl.TransferDate, sl.ReferenceNo, string(sl.Status), sl.Note, sl.ReviewedBy, sl.ReviewedAt, sl.CreatedAt,
	)
	if err != nil {
		if mapped := mapUnique(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("escrow: insert slip: %w", err)
	}
	return nil
}

func reviewSlip(ctx context.Context, tx pgx.Tx, sl payment.Slip) error {
	const q = `
		UPDATE escrow_payment_slips
		SET status = $2, note = $3, reviewed_by = $4, reviewed_at = $5
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := tx.Exec(ctx, q, sl.ID, string(sl.Status), sl.Note, sl.ReviewedBy, sl.ReviewedAt)
	if err != nil {
		if mapped := mapUnique(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("escrow: review slip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlipAlreadyReviewed
	}
	return nil
}

func insertDispute(ctx context.Context, tx pgx.Tx, d dispute.Record) error {
	const q = `
		INSERT INTO escrow_disputes (` + disputeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	var outcome *string
	if d.Outcome != nil {
		outcome = ptr(string(*d.Outcome))
	}
	_, err := tx.Exec(ctx, q,
		d.ID, d.TransactionID, d.CreatedBy, d.Reason, d.Description, d.EvidenceURLs,
		string(d.Status), outcome, d.ResolvedBy, d.ResolvedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if mapped := mapUnique(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("escrow: insert dispute: %w", err)
	}
	return nil
}

func resolveDispute(ctx context.Context, tx pgx.Tx, d dispute.Record) error {
	if d.Outcome == nil {
		return fmt.Errorf("escrow: resolve dispute %s without outcome", d.ID)
	}
	const q = `
		UPDATE escrow_disputes
		SET status = $2, outcome = $3, resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE id = $1 AND status = 'OPEN'
	`
	tag, err := tx.Exec(ctx, q, d.ID, string(d.Status), string(*d.Outcome), d.ResolvedBy, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow: resolve dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *PGStore) Slip(ctx context.Context, id string) (payment.Slip, error) {
	sl, err := scanSlip(s.pool.QueryRow(ctx, `SELECT `+slipColumns+` FROM escrow_payment_slips WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Slip{}, ErrNotFound
	}
	if err != nil {
		return payment.Slip{}, fmt.Errorf("escrow: get slip: %w", err)
	}
	return sl, nil
}

func (s *PGStore) Slips(ctx context.Context, transactionID string) ([]payment.Slip, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+slipColumns+` FROM escrow_payment_slips WHERE transaction_id = $1 ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list slips: %w", err)
	}
	defer rows.Close()

	var out []payment.Slip
	for rows.Next() {
		sl, err := scanSlip(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan slip: %w", err)
		}
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate slips: %w", err)
	}
	return out, nil
}

func (s *PGStore) Dispute(ctx context.Context, id string) (dispute.Record, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM escrow_disputes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispute.Record{}, ErrNotFound
	}
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: get dispute: %w", err)
	}
	return d, nil
}

func (s *PGStore) Disputes(ctx context.Context, transactionID string) ([]dispute.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+disputeColumns+` FROM escrow_disputes WHERE transaction_id = $1 ORDER BY created_at DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list disputes: %w", err)
	}
	defer rows.Close()

	var out []dispute.Record
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate disputes: %w", err)
	}
	return out, nil
}

func (s *PGStore) DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
		SELECT t.id
		FROM escrow_transactions t
		WHERE t.status = 'DELIVERED'
		  AND t.auto_release_at <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM escrow_disputes d
		      WHERE d.transaction_id = t.id AND d.status = 'OPEN'
		  )
		ORDER BY t.auto_release_at
		LIMIT $2
	`
	return s.ids(ctx, "due for release", q, now, limit)
}

func (s *PGStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
		SELECT t.id
		FROM escrow_transactions t
		WHERE t.status = 'PENDING' AND t.expires_at <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM escrow_payment_slips s
		      WHERE s.transaction_id = t.id AND s.status = 'PENDING'
		  )
		ORDER BY t.expires_at
		LIMIT $2
	`
	return s.ids(ctx, "expired pending", q, now, limit)
}

func (s *PGStore) ids(ctx context.Context, what, q string, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: %s: %w", what, err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan %s: %w", what, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate %s: %w", what, err)
	}
	return ids, nil
}

// mapUnique translates unique-index violations into domain errors.
func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case constraintInviteCode:
		return ErrInviteCodeTaken
	case constraintOneApproved:
		return ErrAlreadyFunded
	case constraintOneOpen:
		return &TransitionError{Action: ActionOpenDispute, Status: StatusDisputed}
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t        Transaction
		feePayer string
		status   string
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Amount, &t.FeePercent, &t.FeeAmount, &t.NetAmount,
		&t.BuyerPays, &t.SellerReceives, &feePayer, &status, &t.SellerID, &t.BuyerID, &t.InviteCode,
		&t.InviteExpiry, &t.CancelRequestedBy, &t.PaidAt, &t.DeliveredAt, &t.CompletedAt, &t.CancelledAt,
		&t.AutoReleaseAt, &t.ExpiresAt, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	t.FeePayer = fee.Payer(feePayer)
	t.Status = Status(status)
	return t, nil
}

func scanSlip(row pgx.Row) (payment.Slip, error) {
	var (
		sl     payment.Slip
		status string
	)
	err := row.Scan(
		&sl.ID, &sl.TransactionID, &sl.SubmittedBy, &sl.ImageURL, &sl.Amount, &sl.PaymentMethod,
		&sl.TransferDate, &sl.ReferenceNo, &status, &sl.Note, &sl.ReviewedBy, &sl.ReviewedAt, &sl.CreatedAt,
	)
	if err != nil {
		return payment.Slip{}, err
	}
	sl.Status = payment.SlipStatus(status)
	return sl, nil
}

func scanDispute(row pgx.Row) (dispute.Record, error) {
	var (
		d       dispute.Record
		status  string
		outcome *string
	)
	err := row.Scan(
		&d.ID, &d.TransactionID, &d.CreatedBy, &d.Reason, &d.Description, &d.EvidenceURLs,
		&status, &outcome, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return dispute.Record{}, err
	}
	d.Status = dispute.Status(status)
	if outcome != nil {
		d.Outcome = ptr(dispute.Outcome(*outcome))
	}
	return d, nil
}
