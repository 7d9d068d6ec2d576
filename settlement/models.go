// Package settlement moves escrowed money once a transition has committed.
//
// Every payout or refund is recorded in a ledger keyed by transaction id and
// kind inside the transition's database transaction. Execution claims the
// entry under a lease, calls the gateway and marks the outcome, so a lost
// result is replayed by Reconcile instead of being re-derived.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes money released to the seller from money returned to the buyer.
type Kind string

const (
	KindPayout Kind = "PAYOUT"
	KindRefund Kind = "REFUND"
)

// Status tracks execution of a ledger entry.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Key identifies a settlement. A transaction settles at most once per kind.
type Key struct {
	TransactionID string
	Kind          Kind
}

// Instruction describes the money to move.
type Instruction struct {
	Key
	Recipient string
	Amount    decimal.Decimal
}

// Entry is a ledger row.
type Entry struct {
	Instruction
	Status        Status
	Attempts      int
	LastError     string
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
