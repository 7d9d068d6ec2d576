package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("escrow: not found")
	ErrInvalidInput           = errors.New("escrow: invalid input")
	ErrInvalidInviteCode      = errors.New("escrow: invalid invite code")
	ErrInviteExpired          = errors.New("escrow: invite expired")
	ErrSelfJoinForbidden      = errors.New("escrow: seller cannot join own transaction")
	ErrForbidden              = errors.New("escrow: forbidden")
	ErrInvalidTransition      = errors.New("escrow: invalid transition")
	ErrAlreadyFunded          = errors.New("escrow: already funded")
	ErrAlreadyResolved        = errors.New("escrow: dispute already resolved")
	ErrSlipAlreadyReviewed    = errors.New("escrow: slip already reviewed")
	ErrConcurrentModification = errors.New("escrow: concurrent modification, re-read and retry")
	// ErrInviteCodeTaken is returned by stores when an invite code collides on insert.
	ErrInviteCodeTaken = errors.New("escrow: invite code taken")
	// ErrSlipAwaitingReview is returned by stores for a Change with
	// NoPendingSlip when the transaction has a slip still under review.
	ErrSlipAwaitingReview = errors.New("escrow: payment slip awaiting review")
)

// TransitionError names the action that was refused and the status it was
// attempted from. It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Action Action
	Status Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid transition: cannot %s a %s transaction", e.Action, e.Status)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
