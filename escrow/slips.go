package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/payment"
)

// SubmitPaymentSlip records a buyer's proof of transfer and runs it through the
// payment gate. An approved slip funds the transaction in the same commit; a
// rejected one leaves it PENDING so the buyer can resubmit.
func (e *Engine) SubmitPaymentSlip(ctx context.Context, actor auth.Actor, id string, in payment.SlipInput) (payment.Slip, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return payment.Slip{}, err
	}
	if !t.IsBuyer(actor.ID) {
		return payment.Slip{}, ErrForbidden
	}
	if err := in.Validate(); err != nil {
		return payment.Slip{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if t.PaidAt != nil {
		return payment.Slip{}, ErrAlreadyFunded
	}
	if _, err := Next(t.Status, ActionSubmitSlip); err != nil {
		return payment.Slip{}, err
	}

	now := e.now()
	slip := payment.Slip{
		ID:            e.opts.NewID(),
		TransactionID: t.ID,
		SubmittedBy:   actor.ID,
		ImageURL:      strings.TrimSpace(in.ImageURL),
		Amount:        in.Amount,
		PaymentMethod: strings.TrimSpace(in.PaymentMethod),
		TransferDate:  in.TransferDate.UTC(),
		ReferenceNo:   strings.TrimSpace(in.ReferenceNo),
		Status:        payment.SlipPending,
		CreatedAt:     now,
	}
	decision := e.opts.SlipPolicy.Review(slip, t.BuyerPays)
	slip.Status = decision.Status
	slip.Note = decision.Note

	next := t
	action := ActionSubmitSlip
	if slip.Status == payment.SlipApproved {
		action = ActionFund
		if err := fund(&next, now); err != nil {
			return payment.Slip{}, err
		}
	}
	_, err = e.commit(ctx, action, Change{Next: next, Expected: t.Status, InsertSlip: &slip, Events: moved(t, next)})
	if err != nil {
		return payment.Slip{}, e.fundingConflict(ctx, t.ID, ActionSubmitSlip, err)
	}
	e.logger.Debug("escrow: slip reviewed", "transaction_id", t.ID, "slip_id", slip.ID, "status", slip.Status)
	return slip, nil
}

// ReviewSlip settles a PENDING slip left for manual review. Approval funds the
// transaction exactly like an automatically approved slip.
func (e *Engine) ReviewSlip(ctx context.Context, actor auth.Actor, slipID string, approve bool, note string) (payment.Slip, error) {
	if !actor.IsAdmin() {
		return payment.Slip{}, ErrForbidden
	}
	slip, err := e.store.Slip(ctx, slipID)
	if err != nil {
		return payment.Slip{}, err
	}
	if slip.Status != payment.SlipPending {
		return payment.Slip{}, ErrSlipAlreadyReviewed
	}
	t, err := e.load(ctx, slip.TransactionID)
	if err != nil {
		return payment.Slip{}, err
	}

	now := e.now()
	next := t
	action := ActionSubmitSlip
	slip.Status = payment.SlipRejected
	if approve {
		if t.PaidAt != nil {
			return payment.Slip{}, ErrAlreadyFunded
		}
		action = ActionFund
		if err := fund(&next, now); err != nil {
			return payment.Slip{}, err
		}
		slip.Status = payment.SlipApproved
	}
	slip.Note = strings.TrimSpace(note)
	slip.ReviewedBy = ptr(actor.ID)
	slip.ReviewedAt = ptr(now)

	_, err = e.commit(ctx, action, Change{Next: next, Expected: t.Status, ReviewSlip: &slip, Events: moved(t, next)})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			if cur, gerr := e.store.Slip(ctx, slip.ID); gerr == nil && cur.Status != payment.SlipPending {
				return payment.Slip{}, ErrSlipAlreadyReviewed
			}
		}
		return payment.Slip{}, e.fundingConflict(ctx, t.ID, action, err)
	}
	return slip, nil
}

// ListSlips returns a transaction's slips, oldest first.
func (e *Engine) ListSlips(ctx context.Context, actor auth.Actor, id string) ([]payment.Slip, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.Slips(ctx, id)
}

func fund(next *Transaction, now time.Time) error {
	to, err := Next(next.Status, ActionFund)
	if err != nil {
		return err
	}
	next.Status = to
	next.PaidAt = ptr(now)
	next.InviteCode = nil
	return nil
}

// fundingConflict reports ErrAlreadyFunded when a concurrent slip won the race.
func (e *Engine) fundingConflict(ctx context.Context, id string, action Action, err error) error {
	if errors.Is(err, ErrConcurrentModification) {
		if cur, gerr := e.store.Get(ctx, id); gerr == nil && cur.PaidAt != nil {
			return ErrAlreadyFunded
		}
	}
	return e.classify(ctx, id, action, err)
}
