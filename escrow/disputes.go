package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

// OpenDispute freezes a FUNDED or DELIVERED transaction pending arbitration.
// The dispute record and the move to DISPUTED commit together.
func (e *Engine) OpenDispute(ctx context.Context, actor auth.Actor, id string, p dispute.OpenParams) (dispute.Record, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return dispute.Record{}, err
	}
	if !t.IsParty(actor.ID) {
		return dispute.Record{}, ErrForbidden
	}
	if err := p.Validate(); err != nil {
		return dispute.Record{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	to, err := Next(t.Status, ActionOpenDispute)
	if err != nil {
		return dispute.Record{}, err
	}

	now := e.now()
	rec := dispute.Record{
		ID:            e.opts.NewID(),
		TransactionID: t.ID,
		CreatedBy:     actor.ID,
		Reason:        strings.TrimSpace(p.Reason),
		Description:   strings.TrimSpace(p.Description),
		EvidenceURLs:  append([]string{}, p.EvidenceURLs...),
		Status:        dispute.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	next := t
	next.Status = to
	next.CancelRequestedBy = nil
	events := append(moved(t, next), outbox.DisputeOpened(t.ID, rec.ID))

	if _, err := e.commit(ctx, ActionOpenDispute, Change{Next: next, Expected: t.Status, InsertDispute: &rec, Events: events}); err != nil {
		return dispute.Record{}, e.classify(ctx, t.ID, ActionOpenDispute, err)
	}
	return rec, nil
}

// ResolveDispute applies an admin's outcome: the transaction completes with a
// payout to the seller or is cancelled with a refund to the buyer.
func (e *Engine) ResolveDispute(ctx context.Context, actor auth.Actor, disputeID string, outcome dispute.Outcome) (Transaction, error) {
	if !actor.IsAdmin() {
		return Transaction{}, ErrForbidden
	}
	if err := outcome.Validate(); err != nil {
		return Transaction{}, err
	}
	d, err := e.store.Dispute(ctx, disputeID)
	if err != nil {
		return Transaction{}, err
	}
	if !d.Open() {
		return Transaction{}, ErrAlreadyResolved
	}
	t, err := e.load(ctx, d.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	action := ActionResolveRefund
	if outcome.Releases() {
		action = ActionResolveRelease
	}
	if _, err := Next(t.Status, action); err != nil {
		return Transaction{}, err
	}

	now := e.now()
	d.Status = dispute.StatusResolved
	d.Outcome = ptr(outcome)
	d.ResolvedBy = ptr(actor.ID)
	d.ResolvedAt = ptr(now)
	d.UpdatedAt = now

	next := t
	var instr *settlement.Instruction
	if outcome.Releases() {
		instr = payout(&next, now)
	} else {
		instr = refund(&next, now)
	}
	events := append(moved(t, next), outbox.DisputeResolved(d.ID, string(outcome)))

	out, err := e.commit(ctx, action, Change{Next: next, Expected: t.Status, ResolveDispute: &d, Settlement: instr, Events: events})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			if cur, gerr := e.store.Dispute(ctx, d.ID); gerr == nil && !cur.Open() {
				return Transaction{}, ErrAlreadyResolved
			}
		}
		return Transaction{}, e.classify(ctx, t.ID, action, err)
	}
	return out, nil
}

// ListDisputes returns a transaction's disputes, newest first.
func (e *Engine) ListDisputes(ctx context.Context, actor auth.Actor, id string) ([]dispute.Record, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.Disputes(ctx, id)
}
