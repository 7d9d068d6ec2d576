// Package fee computes the platform fee charged on an escrow transaction.
//
// All arithmetic is exact decimal arithmetic; amounts are rounded to the
// currency's minor unit with round-half-up. The result of Compute is stored on
// the transaction at creation and never recomputed.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount signals a non-positive or out-of-range transaction amount.
	ErrInvalidAmount = errors.New("fee: invalid amount")
	// ErrInvalidFeePolicy signals an inconsistent fee policy.
	ErrInvalidFeePolicy = errors.New("fee: invalid fee policy")
)

// Payer identifies which party bears the platform fee.
type Payer string

const (
	PayerBuyer  Payer = "BUYER"
	PayerSeller Payer = "SELLER"
	PayerSplit  Payer = "SPLIT"
)

// Valid reports whether p is a known payer.
func (p Payer) Valid() bool {
	switch p {
	case PayerBuyer, PayerSeller, PayerSplit:
		return true
	default:
		return false
	}
}

var hundred = decimal.NewFromInt(100)

// Policy describes the fee schedule and the accepted transaction range.
type Policy struct {
	Percent   decimal.Decimal
	MinFee    decimal.Decimal
	MaxFee    decimal.Decimal
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// Scale is the number of decimal places of the currency's minor unit.
	Scale int32
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	if p.Percent.IsNegative() || p.Percent.GreaterThan(hundred) {
		return fmt.Errorf("%w: fee percent %s outside [0,100]", ErrInvalidFeePolicy, p.Percent)
	}
	if p.MinFee.IsNegative() || p.MaxFee.IsNegative() {
		return fmt.Errorf("%w: negative fee bound", ErrInvalidFeePolicy)
	}
	if p.MinFee.GreaterThan(p.MaxFee) {
		return fmt.Errorf("%w: min fee %s exceeds max fee %s", ErrInvalidFeePolicy, p.MinFee, p.MaxFee)
	}
	if !p.MaxAmount.IsZero() && p.MinAmount.GreaterThan(p.MaxAmount) {
		return fmt.Errorf("%w: min amount %s exceeds max amount %s", ErrInvalidFeePolicy, p.MinAmount, p.MaxAmount)
	}
	if p.Scale < 0 {
		return fmt.Errorf("%w: negative currency scale", ErrInvalidFeePolicy)
	}
	return nil
}

// Breakdown is the outcome of a fee computation.
type Breakdown struct {
	Amount    decimal.Decimal
	Percent   decimal.Decimal
	FeeAmount decimal.Decimal
	// NetAmount is Amount minus FeeAmount regardless of who pays the fee.
	NetAmount      decimal.Decimal
	Payer          Payer
	BuyerFee       decimal.Decimal
	SellerFee      decimal.Decimal
	BuyerPays      decimal.Decimal
	SellerReceives decimal.Decimal
}

// Compute applies the policy to amount for the given payer.
func Compute(amount decimal.Decimal, payer Payer, p Policy) (Breakdown, error) {
	if err := p.Validate(); err != nil {
		return Breakdown{}, err
	}
	if !payer.Valid() {
		return Breakdown{}, fmt.Errorf("%w: unknown fee payer %q", ErrInvalidFeePolicy, payer)
	}
	if !amount.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Round(p.Scale)) {
		return Breakdown{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, p.Scale)
	}
	if amount.LessThan(p.MinAmount) || (!p.MaxAmount.IsZero() && amount.GreaterThan(p.MaxAmount)) {
		return Breakdown{}, fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidAmount, amount, p.MinAmount, p.MaxAmount)
	}

	feeAmount := amount.Mul(p.Percent).Div(hundred).Round(p.Scale)
	feeAmount = decimal.Max(feeAmount, p.MinFee.Round(p.Scale))
	feeAmount = decimal.Min(feeAmount, p.MaxFee.Round(p.Scale))
	if feeAmount.GreaterThan(amount) {
		return Breakdown{}, fmt.Errorf("%w: %s does not cover the fee %s", ErrInvalidAmount, amount, feeAmount)
	}

	b := Breakdown{
		Amount:    amount,
		Percent:   p.Percent,
		FeeAmount: feeAmount,
		NetAmount: amount.Sub(feeAmount),
		Payer:     payer,
	}

	switch payer {
	case PayerSeller:
		b.SellerFee = feeAmount
		b.BuyerFee = decimal.Zero
	case PayerBuyer:
		b.BuyerFee = feeAmount
		b.SellerFee = decimal.Zero
	case PayerSplit:
		// The odd minor unit goes to the buyer.
		b.SellerFee = feeAmount.Div(decimal.NewFromInt(2)).Truncate(p.Scale)
		b.BuyerFee = feeAmount.Sub(b.SellerFee)
	}
	b.BuyerPays = amount.Add(b.BuyerFee)
	b.SellerReceives = amount.Sub(b.SellerFee)

	return b, nil
}
