package dispute

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrInvalidOutcome signals an outcome the arbitration flow does not know.
	ErrInvalidOutcome = errors.New("dispute: invalid outcome")
	// ErrUnsupportedOutcome signals a recognised outcome without an implementation yet.
	ErrUnsupportedOutcome = errors.New("dispute: outcome not supported")
	// ErrInvalidDispute signals missing or malformed dispute fields.
	ErrInvalidDispute = errors.New("dispute: invalid dispute")
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Outcome is the admin's arbitration decision.
type Outcome string

const (
	OutcomeReleaseToSeller Outcome = "RELEASE_TO_SELLER"
	OutcomeRefundToBuyer   Outcome = "REFUND_TO_BUYER"
	// OutcomePartialSplit is reserved for a split settlement; resolving with it
	// fails with ErrUnsupportedOutcome.
	OutcomePartialSplit Outcome = "PARTIAL_SPLIT"
)

// Validate reports whether the outcome can be applied.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeReleaseToSeller, OutcomeRefundToBuyer:
		return nil
	case OutcomePartialSplit:
		return fmt.Errorf("%w: %s", ErrUnsupportedOutcome, o)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, o)
	}
}

// Releases reports whether the outcome pays the seller (otherwise the buyer is refunded).
func (o Outcome) Releases() bool {
	return o == OutcomeReleaseToSeller
}

// Record mirrors the escrow_disputes table.
type Record struct {
	ID            string
	TransactionID string
	CreatedBy     string
	Reason        string
	Description   string
	EvidenceURLs  []string
	Status        Status
	Outcome       *Outcome
	ResolvedBy    *string
	ResolvedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Open reports whether the dispute still freezes its transaction.
func (r Record) Open() bool {
	return r.Status == StatusOpen
}

// OpenParams carries the caller-supplied fields of a new dispute.
type OpenParams struct {
	Reason       string
	Description  string
	EvidenceURLs []string
}

const maxEvidence = 20

// Validate checks reason and evidence references.
func (p OpenParams) Validate() error {
	if strings.TrimSpace(p.Reason) == "" {
		return fmt.Errorf("%w: reason required", ErrInvalidDispute)
	}
	if len(p.EvidenceURLs) > maxEvidence {
		return fmt.Errorf("%w: at most %d evidence references", ErrInvalidDispute, maxEvidence)
	}
	for _, raw := range p.EvidenceURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%w: evidence %q is not an absolute url", ErrInvalidDispute, raw)
		}
	}
	return nil
}
