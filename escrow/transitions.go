package escrow

// Action names an operation that may change a transaction.
type Action string

const (
	ActionJoin           Action = "join"
	ActionRefreshInvite  Action = "refresh_invite"
	ActionSubmitSlip     Action = "submit_slip"
	ActionFund           Action = "fund"
	ActionMarkDelivered  Action = "mark_delivered"
	ActionConfirmReceipt Action = "confirm_receipt"
	ActionAutoRelease    Action = "auto_release"
	ActionRequestCancel  Action = "request_cancel"
	ActionCancel         Action = "cancel"
	ActionExpire         Action = "expire"
	ActionOpenDispute    Action = "open_dispute"
	ActionResolveRelease Action = "resolve_release"
	ActionResolveRefund  Action = "resolve_refund"
)

// transitions maps each action to the states it may start from and the state
// it leads to. Anything absent is an invalid transition.
var transitions = map[Action]map[Status]Status{
	ActionJoin:           {StatusPending: StatusPending},
	ActionRefreshInvite:  {StatusPending: StatusPending},
	ActionSubmitSlip:     {StatusPending: StatusPending},
	ActionFund:           {StatusPending: StatusFunded},
	ActionMarkDelivered:  {StatusFunded: StatusDelivered},
	ActionConfirmReceipt: {StatusDelivered: StatusCompleted},
	ActionAutoRelease:    {StatusDelivered: StatusCompleted},
	ActionRequestCancel:  {StatusFunded: StatusFunded},
	ActionCancel:         {StatusPending: StatusCancelled, StatusFunded: StatusCancelled},
	ActionExpire:         {StatusPending: StatusCancelled},
	ActionOpenDispute:    {StatusFunded: StatusDisputed, StatusDelivered: StatusDisputed},
	ActionResolveRelease: {StatusDisputed: StatusCompleted},
	ActionResolveRefund:  {StatusDisputed: StatusCancelled},
}

// Next returns the state action leads to from, or a *TransitionError.
func Next(from Status, action Action) (Status, error) {
	if to, ok := transitions[action][from]; ok {
		return to, nil
	}
	return "", &TransitionError{Action: action, Status: from}
}

// Allowed reports whether action may run from status.
func Allowed(from Status, action Action) bool {
	_, ok := transitions[action][from]
	return ok
}

// Edge is a permitted status change.
type Edge struct {
	From Status
	To   Status
}

// Edges lists every distinct status change the table permits, self-loops
// included. The database trigger guarding escrow_transactions.status encodes
// the same set.
func Edges() map[Edge]bool {
	out := make(map[Edge]bool)
	for _, rules := range transitions {
		for from, to := range rules {
			out[Edge{From: from, To: to}] = true
		}
	}
	return out
}
