// Package actors drives the escrow engine from competing goroutines. Actors
// tolerate every domain refusal and transport error; correctness is judged by
// the SQL oracles, not by individual calls.
package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/release"
	"escrowflow/settlement"
)

// Env bundles what the actors share.
type Env struct {
	Engine     *escrow.Engine
	Pool       *pgxpool.Pool
	Scheduler  *release.Scheduler
	Relay      *outbox.Relay
	Settlement *settlement.Service
	Admin      auth.Actor
}

type target struct {
	id     string
	seller string
	buyer  string
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// pick samples transactions in status for the next round of calls.
func pick(ctx context.Context, pool *pgxpool.Pool, status escrow.Status, limit int) []target {
	rows, err := pool.Query(ctx, `
		SELECT id, seller_id, COALESCE(buyer_id, '')
		FROM escrow_transactions
		WHERE status = $1
		ORDER BY random()
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.seller, &t.buyer); err != nil {
			return out
		}
		out = append(out, t)
	}
	return out
}

// Producer walks fresh transactions from creation to FUNDED, and most of them
// on to DELIVERED, so the other actors always have work.
func Producer(ctx context.Context, env Env, stop <-chan struct{}) error {
	payers := []fee.Payer{fee.PayerSeller, fee.PayerBuyer, fee.PayerSplit}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		seller := auth.User("seller-" + uuid.NewString())
		buyer := auth.User("buyer-" + uuid.NewString())
		tx, err := env.Engine.Create(ctx, seller, escrow.CreateParams{
			Title:    "stress",
			Amount:   decimal.NewFromInt(int64(50 + rand.Intn(5000))),
			FeePayer: payers[rand.Intn(len(payers))],
		})
		if err != nil || tx.InviteCode == nil {
			pause(10, 20)
			continue
		}
		if _, err := env.Engine.Join(ctx, buyer, *tx.InviteCode); err != nil {
			continue
		}
		if rand.Intn(10) == 0 {
			// leave some PENDING for the cancel path
			continue
		}
		amount := tx.BuyerPays
		if rand.Intn(8) == 0 {
			amount = amount.Sub(decimal.NewFromInt(1))
		}
		_, err = env.Engine.SubmitPaymentSlip(ctx, buyer, tx.ID, payment.SlipInput{
			ImageURL:      "https://slips.example.com/" + tx.ID + ".png",
			Amount:        amount,
			PaymentMethod: "bank_transfer",
			TransferDate:  time.Now(),
		})
		if err != nil || rand.Intn(4) == 0 {
			continue
		}
		_, _ = env.Engine.MarkDelivered(ctx, seller, tx.ID)
		pause(5, 15)
	}
}

// Confirmer confirms receipt on delivered transactions, racing the sweep and
// the disputer.
func Confirmer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		for _, t := range pick(ctx, env.Pool, escrow.StatusDelivered, 5) {
			_, _ = env.Engine.ConfirmReceipt(ctx, auth.User(t.buyer), t.id)
		}
		pause(10, 30)
	}
}

// Sweeper runs the auto-release and expiry sweeps back to back.
func Sweeper(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		now := time.Now()
		_, _ = env.Scheduler.Sweep(ctx, now)
		_, _ = env.Scheduler.Expire(ctx, now)
		pause(20, 40)
	}
}

// Disputer opens disputes on funded and delivered transactions from either
// party.
func Disputer(ctx context.Context, env Env, stop <-chan struct{}) error {
	statuses := []escrow.Status{escrow.StatusFunded, escrow.StatusDelivered}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		for _, t := range pick(ctx, env.Pool, statuses[rand.Intn(len(statuses))], 2) {
			actor := auth.User(t.buyer)
			if rand.Intn(2) == 0 {
				actor = auth.User(t.seller)
			}
			_, _ = env.Engine.OpenDispute(ctx, actor, t.id, dispute.OpenParams{Reason: "item not as described"})
		}
		pause(50, 100)
	}
}

// Arbiter resolves open disputes with a random outcome. Several arbiters race
// on the same records.
func Arbiter(ctx context.Context, env Env, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{dispute.OutcomeReleaseToSeller, dispute.OutcomeRefundToBuyer}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		rows, err := env.Pool.Query(ctx, `SELECT id FROM escrow_disputes WHERE status = 'OPEN' ORDER BY random() LIMIT 3`)
		if err == nil {
			var ids []string
			for rows.Next() {
				var id string
				if rows.Scan(&id) == nil {
					ids = append(ids, id)
				}
			}
			rows.Close()
			for _, id := range ids {
				_, _ = env.Engine.ResolveDispute(ctx, env.Admin, id, outcomes[rand.Intn(len(outcomes))])
			}
		}
		pause(30, 60)
	}
}

// Canceller has both parties of a funded transaction request cancellation at
// the same moment, and cancels pending ones outright.
func Canceller(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		for _, t := range pick(ctx, env.Pool, escrow.StatusFunded, 2) {
			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = env.Engine.Cancel(ctx, auth.User(t.seller), t.id)
			}()
			_, _ = env.Engine.Cancel(ctx, auth.User(t.buyer), t.id)
			<-done
		}
		for _, t := range pick(ctx, env.Pool, escrow.StatusPending, 1) {
			_, _ = env.Engine.Cancel(ctx, auth.User(t.seller), t.id)
		}
		pause(40, 80)
	}
}

// OutboxWorker relays pending events; several workers share the table.
func OutboxWorker(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := env.Relay.RelayOnce(ctx); err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		pause(50, 100)
	}
}

// Reconciler replays settlements whose first execution failed.
func Reconciler(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = env.Settlement.Reconcile(ctx, 50)
		pause(100, 100)
	}
}
