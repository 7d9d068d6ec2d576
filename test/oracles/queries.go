package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty at every instant.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_money_movement",
			SQL: `SELECT transaction_id, COUNT(*) FROM settlements
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_settlement_matches_status",
			SQL: `SELECT t.id, t.status, s.kind FROM escrow_transactions t
                  LEFT JOIN settlements s ON s.transaction_id = t.id
                  WHERE (t.status = 'COMPLETED' AND s.kind IS DISTINCT FROM 'PAYOUT')
                     OR (s.kind = 'PAYOUT' AND t.status <> 'COMPLETED')
                     OR (s.kind = 'REFUND' AND t.status <> 'CANCELLED')
                     OR (t.status = 'CANCELLED' AND t.paid_at IS NOT NULL AND s.kind IS DISTINCT FROM 'REFUND')`,
		},
		{
			Name: "O3_settlement_amounts",
			SQL: `SELECT s.* FROM settlements s
                  JOIN escrow_transactions t ON t.id = s.transaction_id
                  WHERE (s.kind = 'PAYOUT' AND (s.amount <> t.seller_receives OR s.recipient <> t.seller_id))
                     OR (s.kind = 'REFUND' AND (s.amount <> t.buyer_pays OR s.recipient IS DISTINCT FROM t.buyer_id))`,
		},
		{
			Name: "O4_funded_iff_approved_slip",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE (t.paid_at IS NOT NULL) <> EXISTS (
                      SELECT 1 FROM escrow_payment_slips s
                      WHERE s.transaction_id = t.id AND s.status = 'APPROVED')`,
		},
		{
			Name: "O5_disputed_iff_open_dispute",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE (t.status = 'DISPUTED') <> EXISTS (
                      SELECT 1 FROM escrow_disputes d
                      WHERE d.transaction_id = t.id AND d.status = 'OPEN')`,
		},
		{
			Name: "O6_single_completion_event",
			SQL: `SELECT payload->>'id', COUNT(*) FROM outbox
                  WHERE topic = 'transaction.status_changed' AND payload->>'to' = 'COMPLETED'
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_timestamps_follow_status",
			SQL: `SELECT id, status FROM escrow_transactions
                  WHERE (status = 'COMPLETED') <> (completed_at IS NOT NULL)
                     OR (status = 'CANCELLED') <> (cancelled_at IS NOT NULL)
                     OR (status IN ('FUNDED','DELIVERED','COMPLETED','DISPUTED') AND paid_at IS NULL)
                     OR (status = 'DELIVERED' AND (delivered_at IS NULL OR auto_release_at IS NULL))
                     OR (status <> 'PENDING' AND buyer_id IS NULL AND cancelled_at IS NULL)`,
		},
		{
			Name: "O8_fee_balance",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE buyer_pays - seller_receives <> fee_amount
                     OR fee_amount + net_amount <> amount`,
		},
		{
			Name: "O9_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_status_guard_installed",
			SQL: `SELECT 'missing_status_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrow_guard_status')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
