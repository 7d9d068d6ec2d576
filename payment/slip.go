package payment

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSlip signals a payment slip missing required fields.
var ErrInvalidSlip = errors.New("payment: invalid slip")

// SlipStatus is the verification state of a payment slip.
type SlipStatus string

const (
	SlipPending  SlipStatus = "PENDING"
	SlipApproved SlipStatus = "APPROVED"
	SlipRejected SlipStatus = "REJECTED"
)

// Slip is a buyer-submitted proof of transfer. Slips are never deleted.
type Slip struct {
	ID            string
	TransactionID string
	SubmittedBy   string
	ImageURL      string
	Amount        decimal.Decimal
	PaymentMethod string
	TransferDate  time.Time
	ReferenceNo   string
	Status        SlipStatus
	Note          string
	ReviewedBy    *string
	ReviewedAt    *time.Time
	CreatedAt     time.Time
}

// SlipInput carries the buyer-supplied fields of a slip.
type SlipInput struct {
	ImageURL      string
	Amount        decimal.Decimal
	PaymentMethod string
	TransferDate  time.Time
	ReferenceNo   string
}

// Validate checks the buyer-supplied fields.
func (in SlipInput) Validate() error {
	if strings.TrimSpace(in.ImageURL) == "" {
		return fmt.Errorf("%w: image url required", ErrInvalidSlip)
	}
	if u, err := url.Parse(in.ImageURL); err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: image url %q is not absolute", ErrInvalidSlip, in.ImageURL)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidSlip)
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		return fmt.Errorf("%w: payment method required", ErrInvalidSlip)
	}
	if in.TransferDate.IsZero() {
		return fmt.Errorf("%w: transfer date required", ErrInvalidSlip)
	}
	return nil
}
