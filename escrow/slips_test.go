package escrow

import (
	"context"
	"errors"
	"testing"

	"escrowflow/payment"
)

func TestSubmitPaymentSlip(t *testing.T) {
	f := newFixture(t)
	tx := f.joined(t)
	ctx := context.Background()

	if _, err := f.engine.SubmitPaymentSlip(ctx, seller, tx.ID, slipFor("1000.00")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for seller, got %v", err)
	}
	bad := slipFor("1000.00")
	bad.ImageURL = "not a url"
	if _, err := f.engine.SubmitPaymentSlip(ctx, outsider, tx.ID, bad); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for outsider with bad slip, got %v", err)
	}
	if _, err := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, bad); !errors.Is(err, ErrInvalidInput) || !errors.Is(err, payment.ErrInvalidSlip) {
		t.Fatalf("expected invalid slip, got %v", err)
	}

	short, err := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("999.99"))
	if err != nil {
		t.Fatalf("short slip: %v", err)
	}
	if short.Status != payment.SlipRejected || short.Note == "" {
		t.Fatalf("expected rejected slip with note, got %+v", short)
	}
	if got := f.get(t, tx.ID); got.Status != StatusPending || got.PaidAt != nil {
		t.Fatalf("rejected slip must not fund: %+v", got)
	}

	ok, err := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("1000.00"))
	if err != nil {
		t.Fatalf("covering slip: %v", err)
	}
	if ok.Status != payment.SlipApproved {
		t.Fatalf("expected approved, got %s", ok.Status)
	}
	funded := f.get(t, tx.ID)
	if funded.Status != StatusFunded || funded.PaidAt == nil {
		t.Fatalf("expected FUNDED with paidAt, got %+v", funded)
	}

	if _, err := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("1000.00")); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected already funded, got %v", err)
	}

	slips, err := f.engine.ListSlips(ctx, seller, tx.ID)
	if err != nil {
		t.Fatalf("list slips: %v", err)
	}
	if len(slips) != 2 {
		t.Fatalf("expected rejected and approved slips kept, got %d", len(slips))
	}
	if _, err := f.engine.ListSlips(ctx, outsider, tx.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSubmitPaymentSlip_BeforeJoin(t *testing.T) {
	f := newFixture(t)
	tx := f.create(t)
	if _, err := f.engine.SubmitPaymentSlip(context.Background(), buyer, tx.ID, slipFor("1000.00")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden before join, got %v", err)
	}
}

func TestSubmitPaymentSlip_AfterCancel(t *testing.T) {
	f := newFixture(t)
	tx := f.joined(t)
	if _, err := f.engine.Cancel(context.Background(), seller, tx.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.engine.SubmitPaymentSlip(context.Background(), buyer, tx.ID, slipFor("1000.00")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestReviewSlip_Manual(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SlipPolicy = payment.ManualPolicy{} })
	tx := f.joined(t)
	ctx := context.Background()

	first, err := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("1000.00"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("1000.00"))
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if first.Status != payment.SlipPending || second.Status != payment.SlipPending {
		t.Fatalf("manual policy should leave slips pending")
	}
	if got := f.get(t, tx.ID); got.Status != StatusPending {
		t.Fatalf("pending slips must not fund, got %s", got.Status)
	}

	if _, err := f.engine.ReviewSlip(ctx, seller, first.ID, true, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}
	approved, err := f.engine.ReviewSlip(ctx, admin, first.ID, true, "matches bank statement")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != payment.SlipApproved || approved.ReviewedBy == nil || *approved.ReviewedBy != admin.ID {
		t.Fatalf("unexpected reviewed slip %+v", approved)
	}
	if got := f.get(t, tx.ID); got.Status != StatusFunded {
		t.Fatalf("expected FUNDED, got %s", got.Status)
	}

	if _, err := f.engine.ReviewSlip(ctx, admin, first.ID, false, ""); !errors.Is(err, ErrSlipAlreadyReviewed) {
		t.Fatalf("expected already reviewed, got %v", err)
	}
	if _, err := f.engine.ReviewSlip(ctx, admin, second.ID, true, ""); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected already funded, got %v", err)
	}
	rejected, err := f.engine.ReviewSlip(ctx, admin, second.ID, false, "duplicate")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != payment.SlipRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if got := f.get(t, tx.ID); got.Status != StatusFunded {
		t.Fatalf("rejection must not change status, got %s", got.Status)
	}
}

func TestMemoryStore_OneApprovedSlip(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SlipPolicy = payment.ManualPolicy{} })
	tx := f.joined(t)
	ctx := context.Background()
	a, _ := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("1000.00"))
	b, _ := f.engine.SubmitPaymentSlip(ctx, buyer, tx.ID, slipFor("1000.00"))
	if _, err := f.engine.ReviewSlip(ctx, admin, a.ID, true, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Bypass the engine to show the store enforces the invariant on its own.
	cur := f.get(t, tx.ID)
	b.Status = payment.SlipApproved
	_, err := f.store.Apply(ctx, Change{Next: cur, Expected: cur.Status, ReviewSlip: &b})
	if !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected already funded from store, got %v", err)
	}
}
