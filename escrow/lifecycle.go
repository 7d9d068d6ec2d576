package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/fee"
	"escrowflow/invite"
)

// CreateParams carries the seller-supplied fields of a new transaction.
type CreateParams struct {
	Title       string
	Description string
	Amount      decimal.Decimal
	FeePayer    fee.Payer
}

// Create opens a PENDING transaction owned by actor with a fresh invite code.
// The fee breakdown is computed once here and never recomputed.
func (e *Engine) Create(ctx context.Context, actor auth.Actor, p CreateParams) (Transaction, error) {
	if !actor.Valid() {
		return Transaction{}, ErrForbidden
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return Transaction{}, invalidInput("title required")
	}
	if p.FeePayer == "" {
		p.FeePayer = fee.PayerSeller
	}
	if !p.FeePayer.Valid() {
		return Transaction{}, invalidInput("unknown fee payer %q", p.FeePayer)
	}
	b, err := fee.Compute(p.Amount, p.FeePayer, e.opts.FeePolicy)
	if err != nil {
		return Transaction{}, err
	}

	now := e.now()
	t := Transaction{
		ID:             e.opts.NewID(),
		Title:          title,
		Description:    strings.TrimSpace(p.Description),
		Amount:         b.Amount,
		FeePercent:     b.Percent,
		FeeAmount:      b.FeeAmount,
		NetAmount:      b.NetAmount,
		BuyerPays:      b.BuyerPays,
		SellerReceives: b.SellerReceives,
		FeePayer:       b.Payer,
		Status:         StatusPending,
		SellerID:       actor.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if e.opts.InviteTTL > 0 {
		t.InviteExpiry = ptr(now.Add(e.opts.InviteTTL))
	}
	if e.opts.TransactionTTL > 0 {
		t.ExpiresAt = ptr(now.Add(e.opts.TransactionTTL))
	}

	// The existence probe narrows collisions; the unique index settles races.
	for attempt := 0; attempt < e.opts.InviteRetries; attempt++ {
		code, err := invite.GenerateUnique(ctx, e.store.InviteCodeExists, e.opts.InviteRetries)
		if err != nil {
			return Transaction{}, err
		}
		t.InviteCode = ptr(code)
		err = e.store.Insert(ctx, t)
		if errors.Is(err, ErrInviteCodeTaken) {
			continue
		}
		if err != nil {
			return Transaction{}, err
		}
		e.logger.Debug("escrow: transaction created", "transaction_id", t.ID, "seller_id", t.SellerID, "amount", t.Amount.StringFixed(2))
		return t, nil
	}
	return Transaction{}, fmt.Errorf("%w: %d insert collisions", invite.ErrCodeSpaceExhausted, e.opts.InviteRetries)
}

// Join binds actor as buyer of the transaction the invite code points at and
// consumes the code. Status stays PENDING.
func (e *Engine) Join(ctx context.Context, actor auth.Actor, code string) (Transaction, error) {
	if !actor.Valid() {
		return Transaction{}, ErrForbidden
	}
	code = invite.Normalize(code)
	if !invite.ValidFormat(code) {
		return Transaction{}, ErrInvalidInviteCode
	}
	t, err := e.store.GetByInviteCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, ErrInvalidInviteCode
	}
	if err != nil {
		return Transaction{}, err
	}
	if t.IsSeller(actor.ID) {
		return Transaction{}, ErrSelfJoinForbidden
	}
	if _, err := Next(t.Status, ActionJoin); err != nil {
		return Transaction{}, err
	}
	if t.BuyerID != nil {
		return Transaction{}, ErrInvalidInviteCode
	}
	now := e.now()
	if !t.InviteValid(now) {
		return Transaction{}, ErrInviteExpired
	}

	next := t
	next.BuyerID = ptr(actor.ID)
	next.InviteCode = nil
	out, err := e.commit(ctx, ActionJoin, Change{Next: next, Expected: t.Status})
	if errors.Is(err, ErrConcurrentModification) {
		// Another joiner won the code.
		if cur, gerr := e.store.Get(ctx, t.ID); gerr == nil && cur.BuyerID != nil {
			return Transaction{}, ErrInvalidInviteCode
		}
		return Transaction{}, e.classify(ctx, t.ID, ActionJoin, err)
	}
	return out, err
}

// RefreshInvite issues a new invite code and expiry while no buyer has joined.
func (e *Engine) RefreshInvite(ctx context.Context, actor auth.Actor, id string) (Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !t.IsSeller(actor.ID) {
		return Transaction{}, ErrForbidden
	}
	if _, err := Next(t.Status, ActionRefreshInvite); err != nil {
		return Transaction{}, err
	}
	if t.BuyerID != nil {
		return Transaction{}, &TransitionError{Action: ActionRefreshInvite, Status: t.Status}
	}

	now := e.now()
	for attempt := 0; attempt < e.opts.InviteRetries; attempt++ {
		code, err := invite.GenerateUnique(ctx, e.store.InviteCodeExists, e.opts.InviteRetries)
		if err != nil {
			return Transaction{}, err
		}
		next := t
		next.InviteCode = ptr(code)
		next.InviteExpiry = nil
		if e.opts.InviteTTL > 0 {
			next.InviteExpiry = ptr(now.Add(e.opts.InviteTTL))
		}
		out, err := e.commit(ctx, ActionRefreshInvite, Change{Next: next, Expected: t.Status})
		if errors.Is(err, ErrInviteCodeTaken) {
			continue
		}
		if err != nil {
			return Transaction{}, e.classify(ctx, t.ID, ActionRefreshInvite, err)
		}
		return out, nil
	}
	return Transaction{}, fmt.Errorf("%w: %d update collisions", invite.ErrCodeSpaceExhausted, e.opts.InviteRetries)
}

// MarkDelivered moves a FUNDED transaction to DELIVERED and starts the
// auto-release window.
func (e *Engine) MarkDelivered(ctx context.Context, actor auth.Actor, id string) (Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !t.IsSeller(actor.ID) {
		return Transaction{}, ErrForbidden
	}
	to, err := Next(t.Status, ActionMarkDelivered)
	if err != nil {
		return Transaction{}, err
	}

	now := e.now()
	next := t
	next.Status = to
	next.DeliveredAt = ptr(now)
	next.AutoReleaseAt = ptr(now.Add(e.opts.AutoReleaseAfter))
	next.CancelRequestedBy = nil
	out, err := e.commit(ctx, ActionMarkDelivered, Change{Next: next, Expected: t.Status, Events: moved(t, next)})
	if err != nil {
		return Transaction{}, e.classify(ctx, t.ID, ActionMarkDelivered, err)
	}
	return out, nil
}

// ConfirmReceipt completes a DELIVERED transaction and pays the seller.
func (e *Engine) ConfirmReceipt(ctx context.Context, actor auth.Actor, id string) (Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !t.IsBuyer(actor.ID) {
		return Transaction{}, ErrForbidden
	}
	if _, err := Next(t.Status, ActionConfirmReceipt); err != nil {
		return Transaction{}, err
	}

	next := t
	pay := payout(&next, e.now())
	out, err := e.commit(ctx, ActionConfirmReceipt, Change{Next: next, Expected: t.Status, Settlement: pay, Events: moved(t, next)})
	if err != nil {
		return Transaction{}, e.classify(ctx, t.ID, ActionConfirmReceipt, err)
	}
	return out, nil
}

// AutoRelease completes a DELIVERED transaction whose release window elapsed
// at now. It reports false without error when another caller already
// completed it.
func (e *Engine) AutoRelease(ctx context.Context, id string, now time.Time) (bool, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status == StatusCompleted {
		return false, nil
	}
	if _, err := Next(t.Status, ActionAutoRelease); err != nil {
		return false, err
	}
	if !t.ReleaseDue(now) {
		return false, fmt.Errorf("%w: auto-release of %s not due before %v", ErrInvalidTransition, t.ID, t.AutoReleaseAt)
	}

	next := t
	pay := payout(&next, now.UTC())
	_, err = e.commit(ctx, ActionAutoRelease, Change{Next: next, Expected: t.Status, Settlement: pay, Events: moved(t, next)})
	if errors.Is(err, ErrConcurrentModification) {
		if cur, gerr := e.store.Get(ctx, id); gerr == nil && cur.Status == StatusCompleted {
			return false, nil
		}
		return false, e.classify(ctx, id, ActionAutoRelease, err)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel ends a transaction before delivery. From PENDING either party cancels
// outright. From FUNDED both parties must agree: the first call records the
// request, the other party's call cancels and refunds the buyer.
func (e *Engine) Cancel(ctx context.Context, actor auth.Actor, id string) (Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !t.IsParty(actor.ID) {
		return Transaction{}, ErrForbidden
	}

	action := ActionCancel
	next := t
	var c Change
	switch {
	case t.Status == StatusFunded && t.CancelRequestedBy == nil:
		action = ActionRequestCancel
		next.CancelRequestedBy = ptr(actor.ID)
	case t.Status == StatusFunded && *t.CancelRequestedBy == actor.ID:
		return t, nil
	default:
		if _, err := Next(t.Status, ActionCancel); err != nil {
			return Transaction{}, err
		}
		c.Settlement = refund(&next, e.now())
	}
	c.Next = next
	c.Expected = t.Status
	c.Events = moved(t, next)

	out, err := e.commit(ctx, action, c)
	if err != nil {
		return Transaction{}, e.classify(ctx, t.ID, ActionCancel, err)
	}
	return out, nil
}

// ExpirePending cancels a never-funded transaction whose TTL elapsed at now.
// It reports false without error when the transaction is no longer eligible,
// including while a submitted slip still waits for an admin.
func (e *Engine) ExpirePending(ctx context.Context, id string, now time.Time) (bool, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !t.ExpiryDue(now) {
		return false, nil
	}

	next := t
	refund(&next, now.UTC())
	_, err = e.commit(ctx, ActionExpire, Change{Next: next, Expected: t.Status, NoPendingSlip: true, Events: moved(t, next)})
	if errors.Is(err, ErrSlipAwaitingReview) {
		return false, nil
	}
	if errors.Is(err, ErrConcurrentModification) {
		if cur, gerr := e.store.Get(ctx, id); gerr == nil && !cur.ExpiryDue(now) {
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a transaction visible to its parties and to admins.
func (e *Engine) Get(ctx context.Context, actor auth.Actor, id string) (Transaction, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !actor.IsAdmin() && !t.IsParty(actor.ID) {
		return Transaction{}, ErrForbidden
	}
	return t, nil
}

// DueForRelease lists transactions the auto-release sweep should visit.
func (e *Engine) DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return e.store.DueForRelease(ctx, now, limit)
}

// ExpiredPending lists PENDING transactions past their TTL.
func (e *Engine) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return e.store.ExpiredPending(ctx, now, limit)
}
