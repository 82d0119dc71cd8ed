package mandate

import (
	"github.com/platinummonkey/commune/pkg/errs"
)

type edge struct {
	from []Status
	to   Status
}

// transitions lists, per action, the statuses it may start from and the
// status it leads to
var transitions = map[Action]edge{
	ActionSent:       {from: []Status{StatusDraft}, to: StatusSent},
	ActionAwaitingPO: {from: []Status{StatusSent}, to: StatusPendingBC},
	ActionPOCaptured: {from: []Status{StatusPendingBC}, to: StatusAccepted},
	ActionAccepted:   {from: []Status{StatusSent, StatusPendingBC}, to: StatusAccepted},
	ActionRejected:   {from: []Status{StatusSent}, to: StatusRejected},
	ActionInvoiced:   {from: []Status{StatusAccepted}, to: StatusAccepted},
	ActionCompleted:  {from: []Status{StatusAccepted}, to: StatusInvoiced},
}

// Next returns the status an order in from reaches through action, or
// ErrInvalidState when the action is not allowed there
func Next(from Status, action Action) (Status, error) {
	e, ok := transitions[action]
	if !ok {
		return "", errs.Validation("unknown order action %q", action)
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return "", errs.InvalidState("cannot %s an order that is %s", verb(action), from)
}

func verb(a Action) string {
	switch a {
	case ActionSent:
		return "send"
	case ActionAwaitingPO:
		return "await a purchase order for"
	case ActionPOCaptured:
		return "capture a purchase order for"
	case ActionAccepted:
		return "accept"
	case ActionRejected:
		return "reject"
	case ActionInvoiced:
		return "invoice"
	case ActionCompleted:
		return "complete"
	}
	return string(a)
}

// CheckInvariant verifies that o carries a commande number exactly when its
// status requires one
func CheckInvariant(o *Order) error {
	has := o.CommandeNumber != nil && *o.CommandeNumber != ""
	switch {
	case has && !o.Status.HasCommandeNumber():
		return errs.ConsistencyViolation("mandate order %d is %s but has commande number %s", o.ID, o.Status, *o.CommandeNumber)
	case !has && o.Status.HasCommandeNumber():
		return errs.ConsistencyViolation("mandate order %d is %s without a commande number", o.ID, o.Status)
	}
	return nil
}
