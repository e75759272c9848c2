// Package lifecycle is the ticket state machine. The backend uses it to commit
// transitions and every client uses it to check the events it receives.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/models"
)

type Action string

const (
	ActionIssue       Action = "issue"
	ActionCall        Action = "call"
	ActionRecall      Action = "recall"
	ActionBeginAttend Action = "begin_attend"
	ActionFinish      Action = "finish"
	ActionCancel      Action = "cancel"
)

type transition struct {
	from []string
	to   string
}

var transitionMap = map[Action]transition{
	ActionCall:        {from: []string{models.StateWaiting}, to: models.StateCalled},
	ActionRecall:      {from: []string{models.StateCalled}, to: models.StateCalled},
	ActionBeginAttend: {from: []string{models.StateCalled}, to: models.StateAttending},
	ActionFinish:      {from: []string{models.StateAttending}, to: models.StateFinished},
	ActionCancel:      {from: []string{models.StateWaiting, models.StateCalled, models.StateAttending}, to: models.StateCancelled},
}

func ValidTransition(action Action, fromState string) bool {
	if action == ActionIssue {
		return fromState == ""
	}
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, state := range t.from {
		if state == fromState {
			return true
		}
	}
	return false
}

// NextState returns the state a ticket lands in after action.
func NextState(action Action) (string, bool) {
	if action == ActionIssue {
		return models.StateWaiting, true
	}
	t, ok := transitionMap[action]
	return t.to, ok
}

func IsTerminal(state string) bool {
	return state == models.StateFinished || state == models.StateCancelled
}

// Actor is whoever attempts a transition. Override lets a supervisor cancel a
// ticket bound to someone else's cubicle.
type Actor struct {
	CubicleID    string
	CubicleLabel string
	AttendantID  string
	Override     bool
}

type TransitionError struct {
	Action Action
	From   string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from %q: %s", e.Action, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return apierr.ErrInvalidTransition
}

// Apply returns the ticket after action, or a *TransitionError. The input
// ticket is never modified. Timestamps never go backwards: a stamp older than
// the latest one already on the ticket is clamped to it.
func Apply(ticket models.Ticket, action Action, actor Actor, at time.Time) (models.Ticket, error) {
	if !ValidTransition(action, ticket.State) {
		reason := "not allowed from this state"
		if IsTerminal(ticket.State) {
			reason = "ticket is terminal"
		}
		return ticket, &TransitionError{Action: action, From: ticket.State, Reason: reason}
	}
	if err := checkOwnership(ticket, action, actor); err != nil {
		return ticket, err
	}

	next := ticket.Clone()
	if latest := ticket.LastChangedAt(); at.Before(latest) {
		at = latest
	}
	stamp := at

	switch action {
	case ActionIssue:
		next.CreatedAt = stamp
	case ActionCall:
		cubicleID := actor.CubicleID
		attendantID := actor.AttendantID
		next.CubicleID = &cubicleID
		next.CubicleLabel = actor.CubicleLabel
		if attendantID != "" {
			next.AttendantID = &attendantID
		}
		next.CalledAt = &stamp
	case ActionRecall:
		next.CalledAt = &stamp
	case ActionBeginAttend:
		next.AttendedAt = &stamp
	case ActionFinish, ActionCancel:
		next.FinishedAt = &stamp
	}
	to, _ := NextState(action)
	next.State = to
	return next, nil
}

func checkOwnership(ticket models.Ticket, action Action, actor Actor) error {
	switch action {
	case ActionCall:
		if actor.CubicleID == "" {
			return &TransitionError{Action: action, From: ticket.State, Reason: "no cubicle bound"}
		}
	case ActionRecall, ActionBeginAttend, ActionFinish:
		if !ticket.OwnedBy(actor.CubicleID) {
			return &TransitionError{Action: action, From: ticket.State, Reason: "ticket owned by another cubicle"}
		}
	case ActionCancel:
		if ticket.CubicleID != nil && !ticket.OwnedBy(actor.CubicleID) && !actor.Override {
			return &TransitionError{Action: action, From: ticket.State, Reason: "ticket owned by another cubicle"}
		}
	}
	return nil
}
