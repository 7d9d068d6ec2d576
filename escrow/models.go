package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/fee"
)

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFunded    Status = "FUNDED"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusDisputed  Status = "DISPUTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Transaction mirrors the escrow_transactions table. It is mutated only by the
// Engine's transition operations.
type Transaction struct {
	ID          string
	Title       string
	Description string

	Amount         decimal.Decimal
	FeePercent     decimal.Decimal
	FeeAmount      decimal.Decimal
	NetAmount      decimal.Decimal
	BuyerPays      decimal.Decimal
	SellerReceives decimal.Decimal
	FeePayer       fee.Payer

	Status   Status
	SellerID string
	BuyerID  *string

	InviteCode        *string
	InviteExpiry      *time.Time
	CancelRequestedBy *string

	PaidAt        *time.Time
	DeliveredAt   *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	AutoReleaseAt *time.Time
	ExpiresAt     *time.Time

	// Version increments on every committed change and backs the conditional update.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSeller reports whether userID created the transaction.
func (t Transaction) IsSeller(userID string) bool {
	return userID != "" && t.SellerID == userID
}

// IsBuyer reports whether userID joined the transaction as buyer.
func (t Transaction) IsBuyer(userID string) bool {
	return userID != "" && t.BuyerID != nil && *t.BuyerID == userID
}

// IsParty reports whether userID is the seller or the bound buyer.
func (t Transaction) IsParty(userID string) bool {
	return t.IsSeller(userID) || t.IsBuyer(userID)
}

// ReleaseDue reports whether the auto-release window has elapsed at now. A
// disputed transaction is never due because it has left DELIVERED.
func (t Transaction) ReleaseDue(now time.Time) bool {
	return t.Status == StatusDelivered && t.AutoReleaseAt != nil && !now.Before(*t.AutoReleaseAt)
}

// ExpiryDue reports whether a never-funded transaction has outlived its TTL.
func (t Transaction) ExpiryDue(now time.Time) bool {
	return t.Status == StatusPending && t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// InviteValid reports whether the invite code can still be redeemed at now.
func (t Transaction) InviteValid(now time.Time) bool {
	return t.InviteCode != nil && t.BuyerID == nil && (t.InviteExpiry == nil || now.Before(*t.InviteExpiry))
}

func ptr[T any](v T) *T {
	return &v
}
