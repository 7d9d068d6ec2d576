// Package payment decides whether a submitted payment slip funds an escrow
// transaction.
package payment

import "github.com/shopspring/decimal"

// Decision is the gate's verdict on a slip.
type Decision struct {
	Status SlipStatus
	Note   string
}

// Policy reviews a slip against the amount the buyer owes.
type Policy interface {
	Review(slip Slip, required decimal.Decimal) Decision
}

// AutoPolicy approves any slip covering the required amount and rejects the rest.
type AutoPolicy struct{}

func (AutoPolicy) Review(slip Slip, required decimal.Decimal) Decision {
	if slip.Amount.GreaterThanOrEqual(required) {
		return Decision{Status: SlipApproved}
	}
	return Decision{
		Status: SlipRejected,
		Note:   "slip amount " + slip.Amount.StringFixed(2) + " below required " + required.StringFixed(2),
	}
}

// ManualPolicy rejects short slips outright and leaves the rest PENDING for an
// admin to review.
type ManualPolicy struct{}

func (ManualPolicy) Review(slip Slip, required decimal.Decimal) Decision {
	if d := (AutoPolicy{}).Review(slip, required); d.Status == SlipRejected {
		return d
	}
	return Decision{Status: SlipPending}
}

// PolicyFor maps the configured review mode to a policy.
func PolicyFor(mode string) Policy {
	if mode == "manual" {
		return ManualPolicy{}
	}
	return AutoPolicy{}
}
