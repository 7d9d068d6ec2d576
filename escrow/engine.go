// Package escrow owns the escrow transaction state machine: who may do what to
// a transaction in which status, and what each transition writes.
//
// Every transition is a single conditional update against the status and
// version that were read. Losing a race surfaces as ErrConcurrentModification
// or, when the winner already moved the transaction elsewhere, as a
// TransitionError. Payouts and refunds are recorded in the same commit and
// executed only after it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowflow/fee"
	"escrowflow/invite"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/settlement"
)

// Settler executes a recorded payout or refund. settlement.Service satisfies it.
type Settler interface {
	Execute(ctx context.Context, key settlement.Key) error
}

// Options configures an Engine.
type Options struct {
	FeePolicy        fee.Policy
	InviteTTL        time.Duration
	TransactionTTL   time.Duration
	AutoReleaseAfter time.Duration
	SlipPolicy       payment.Policy
	InviteRetries    int

	Now   func() time.Time
	NewID func() string
}

const defaultAutoRelease = 72 * time.Hour

// Engine applies lifecycle operations to transactions held in a Store.
type Engine struct {
	store   Store
	settler Settler
	logger  *slog.Logger
	opts    Options
}

func NewEngine(store Store, settler Settler, logger *slog.Logger, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("escrow: store required")
	}
	if err := opts.FeePolicy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SlipPolicy == nil {
		opts.SlipPolicy = payment.AutoPolicy{}
	}
	if opts.AutoReleaseAfter <= 0 {
		opts.AutoReleaseAfter = defaultAutoRelease
	}
	if opts.InviteRetries <= 0 {
		opts.InviteRetries = invite.DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{store: store, settler: settler, logger: logger, opts: opts}, nil
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

func (e *Engine) load(ctx context.Context, id string) (Transaction, error) {
	if id == "" {
		return Transaction{}, ErrNotFound
	}
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// commit applies c and, once it is durable, executes its settlement.
func (e *Engine) commit(ctx context.Context, action Action, c Change) (Transaction, error) {
	t, err := e.store.Apply(ctx, c)
	if err != nil {
		return Transaction{}, err
	}
	e.logger.Debug("escrow: transition committed",
		"transaction_id", t.ID,
		"action", action,
		"from", c.Expected,
		"to", t.Status,
		"version", t.Version,
	)
	if c.Settlement != nil {
		e.settle(ctx, c.Settlement.Key)
	}
	return t, nil
}

// settle never undoes the transition. A failed transfer stays due in the
// ledger and is replayed by reconciliation.
func (e *Engine) settle(ctx context.Context, key settlement.Key) {
	if e.settler == nil {
		return
	}
	if err := e.settler.Execute(ctx, key); err != nil {
		e.logger.Error("escrow: settlement failed after commit, awaiting reconcile",
			"transaction_id", key.TransactionID,
			"kind", key.Kind,
			"error", err,
		)
	}
}

// classify turns a lost conditional update into the most precise error: if the
// winner moved the transaction to a status action can no longer start from,
// the caller gets a TransitionError instead of a retry hint.
func (e *Engine) classify(ctx context.Context, id string, action Action, err error) error {
	if !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	cur, gerr := e.store.Get(ctx, id)
	if gerr != nil {
		return err
	}
	if !Allowed(cur.Status, action) {
		return &TransitionError{Action: action, Status: cur.Status}
	}
	return err
}

// moved returns the status-change event for t moving to next, if any.
func moved(t, next Transaction) []outbox.Event {
	if t.Status == next.Status {
		return nil
	}
	return []outbox.Event{outbox.StatusChanged(t.ID, string(t.Status), string(next.Status))}
}

// payout marks next completed and records the seller's payout.
func payout(next *Transaction, now time.Time) *settlement.Instruction {
	next.Status = StatusCompleted
	next.CompletedAt = ptr(now)
	return &settlement.Instruction{
		Key:       settlement.Key{TransactionID: next.ID, Kind: settlement.KindPayout},
		Recipient: next.SellerID,
		Amount:    next.SellerReceives,
	}
}

// refund marks next cancelled and, if money was escrowed, records the buyer's refund.
func refund(next *Transaction, now time.Time) *settlement.Instruction {
	next.Status = StatusCancelled
	next.CancelledAt = ptr(now)
	next.InviteCode = nil
	next.CancelRequestedBy = nil
	if next.PaidAt == nil || next.BuyerID == nil {
		return nil
	}
	return &settlement.Instruction{
		Key:       settlement.Key{TransactionID: next.ID, Kind: settlement.KindRefund},
		Recipient: *next.BuyerID,
		Amount:    next.BuyerPays,
	}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
