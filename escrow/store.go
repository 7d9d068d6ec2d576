package escrow

import (
	"context"
	"time"

	"escrowflow/dispute"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/settlement"
)

// Change is one atomic read-modify-write against a transaction. Stores apply it
// only if the stored row still has status Expected and version Next.Version;
// otherwise they return ErrConcurrentModification and write nothing.
type Change struct {
	Next     Transaction
	Expected Status

	InsertSlip *payment.Slip
	// ReviewSlip overwrites a slip that must still be PENDING.
	ReviewSlip *payment.Slip

	InsertDispute *dispute.Record
	// ResolveDispute overwrites a dispute that must still be OPEN, else ErrAlreadyResolved.
	ResolveDispute *dispute.Record

	// NoPendingSlip refuses the change with ErrSlipAwaitingReview while any
	// slip of the transaction is still PENDING.
	NoPendingSlip bool

	// Settlement is recorded in the same commit and executed afterwards.
	Settlement *settlement.Instruction
	Events     []outbox.Event
}

// Store persists transactions and their child records.
type Store interface {
	// Insert stores a new transaction; ErrInviteCodeTaken on code collision.
	Insert(ctx context.Context, t Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	GetByInviteCode(ctx context.Context, code string) (Transaction, error)
	InviteCodeExists(ctx context.Context, code string) (bool, error)
	// Apply commits c and returns the stored transaction with its new version.
	Apply(ctx context.Context, c Change) (Transaction, error)

	Slip(ctx context.Context, id string) (payment.Slip, error)
	Slips(ctx context.Context, transactionID string) ([]payment.Slip, error)
	Dispute(ctx context.Context, id string) (dispute.Record, error)
	Disputes(ctx context.Context, transactionID string) ([]dispute.Record, error)

	// DueForRelease lists DELIVERED transactions with auto_release_at <= now
	// and no OPEN dispute.
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ExpiredPending lists PENDING transactions with expires_at <= now and no
	// slip awaiting review.
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}
