package escrow

import (
	"context"
	"errors"
	"testing"

	"escrowflow/dispute"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

func openParams() dispute.OpenParams {
	return dispute.OpenParams{
		Reason:       "item not as described",
		Description:  "lens is scratched",
		EvidenceURLs: []string{"https://cdn.example.com/e/1.jpg", "https://cdn.example.com/e/2.jpg"},
	}
}

func TestOpenDispute_FreezesConfirm(t *testing.T) {
	f := newFixture(t)
	tx := f.funded(t)
	ctx := context.Background()

	if _, err := f.engine.OpenDispute(ctx, outsider, tx.ID, openParams()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.engine.OpenDispute(ctx, outsider, tx.ID, dispute.OpenParams{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for outsider with empty body, got %v", err)
	}
	if _, err := f.engine.OpenDispute(ctx, buyer, tx.ID, dispute.OpenParams{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	rec, err := f.engine.OpenDispute(ctx, buyer, tx.ID, openParams())
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if !rec.Open() || rec.CreatedBy != buyer.ID || len(rec.EvidenceURLs) != 2 {
		t.Fatalf("unexpected dispute %+v", rec)
	}
	if got := f.get(t, tx.ID); got.Status != StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", got.Status)
	}

	if _, err := f.engine.ConfirmReceipt(ctx, buyer, tx.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected confirm to fail while disputed, got %v", err)
	}
	if _, err := f.engine.MarkDelivered(ctx, seller, tx.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected deliver to fail while disputed, got %v", err)
	}
	if _, err := f.engine.Cancel(ctx, seller, tx.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected cancel to fail while disputed, got %v", err)
	}
	if _, err := f.engine.OpenDispute(ctx, seller, tx.ID, openParams()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second dispute to fail, got %v", err)
	}
	if got := len(f.events(outbox.TopicDisputeOpened)); got != 1 {
		t.Fatalf("expected one dispute.opened event, got %d", got)
	}
}

func TestOpenDispute_FromPendingIsInvalid(t *testing.T) {
	f := newFixture(t)
	tx := f.joined(t)
	if _, err := f.engine.OpenDispute(context.Background(), buyer, tx.ID, openParams()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestResolveDispute_ReleaseToSeller(t *testing.T) {
	f := newFixture(t)
	tx := f.funded(t)
	ctx := context.Background()
	rec, err := f.engine.OpenDispute(ctx, buyer, tx.ID, openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := f.engine.ResolveDispute(ctx, seller, rec.ID, dispute.OutcomeReleaseToSeller); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	out, err := f.engine.ResolveDispute(ctx, admin, rec.ID, dispute.OutcomeReleaseToSeller)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != StatusCompleted || out.CompletedAt == nil {
		t.Fatalf("unexpected transaction %+v", out)
	}
	if _, err := f.engine.ResolveDispute(ctx, admin, rec.ID, dispute.OutcomeRefundToBuyer); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
	if got := f.gateway.count(tx.ID, settlement.KindPayout); got != 1 {
		t.Fatalf("expected one payout, got %d", got)
	}
	if got := f.gateway.count(tx.ID, settlement.KindRefund); got != 0 {
		t.Fatalf("expected no refund, got %d", got)
	}

	stored, err := f.store.Dispute(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if stored.Open() || stored.Outcome == nil || *stored.Outcome != dispute.OutcomeReleaseToSeller || stored.ResolvedBy == nil || stored.ResolvedAt == nil {
		t.Fatalf("unexpected resolved dispute %+v", stored)
	}
	resolved := f.events(outbox.TopicDisputeResolved)
	if len(resolved) != 1 || resolved[0].Payload["outcome"] != string(dispute.OutcomeReleaseToSeller) {
		t.Fatalf("unexpected dispute.resolved events %+v", resolved)
	}
}

func TestResolveDispute_RefundToBuyer(t *testing.T) {
	f := newFixture(t)
	tx := f.delivered(t)
	ctx := context.Background()
	rec, err := f.engine.OpenDispute(ctx, seller, tx.ID, openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ids, err := f.engine.DueForRelease(ctx, tx.AutoReleaseAt.Add(1), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("disputed transaction must not be due: %v, %v", ids, err)
	}

	if _, err := f.engine.ResolveDispute(ctx, admin, rec.ID, dispute.OutcomePartialSplit); !errors.Is(err, dispute.ErrUnsupportedOutcome) {
		t.Fatalf("expected unsupported outcome, got %v", err)
	}
	if _, err := f.engine.ResolveDispute(ctx, admin, rec.ID, "COIN_FLIP"); !errors.Is(err, dispute.ErrInvalidOutcome) {
		t.Fatalf("expected invalid outcome, got %v", err)
	}

	out, err := f.engine.ResolveDispute(ctx, admin, rec.ID, dispute.OutcomeRefundToBuyer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != StatusCancelled || out.CancelledAt == nil {
		t.Fatalf("unexpected transaction %+v", out)
	}
	entry, ok := f.store.Ledger().Entry(settlement.Key{TransactionID: tx.ID, Kind: settlement.KindRefund})
	if !ok || entry.Recipient != buyer.ID || !entry.Amount.Equal(tx.BuyerPays) || entry.Status != settlement.StatusDone {
		t.Fatalf("unexpected refund entry %+v", entry)
	}
	if f.gateway.count(tx.ID, settlement.KindPayout) != 0 {
		t.Fatalf("refund must not pay out")
	}

	list, err := f.engine.ListDisputes(ctx, buyer, tx.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list disputes = %v, %v", list, err)
	}
}

func TestResolveDispute_ConcurrentAdminsResolveOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.funded(t)
	ctx := context.Background()
	rec, err := f.engine.OpenDispute(ctx, buyer, tx.ID, openParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	outcomes := []dispute.Outcome{dispute.OutcomeReleaseToSeller, dispute.OutcomeRefundToBuyer}
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			_, err := f.engine.ResolveDispute(ctx, admin, rec.ID, outcomes[i%2])
			errs <- err
		}(i)
	}
	wins := 0
	for i := 0; i < 10; i++ {
		err := <-errs
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one resolution, got %d", wins)
	}
	if total := f.gateway.total(); total != 1 {
		t.Fatalf("expected exactly one settlement, got %d", total)
	}
}
