// Package deal holds the deal lifecycle state machine. The transition table
// here is the single source of truth for which status changes are legal; both
// the write path (engine) and the read path (transitions endpoint) consume it.
package deal

import "fmt"

type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusAgreed     Status = "agreed"
	StatusClosed     Status = "closed"
	StatusTerminated Status = "terminated"
)

// Statuses lists every deal status in lifecycle order.
var Statuses = []Status{
	StatusDraft,
	StatusActive,
	StatusPaused,
	StatusAgreed,
	StatusClosed,
	StatusTerminated,
}

// transitions is the allowed-transition table. closed and terminated map to
// empty sets; a status missing from the table denies everything.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusActive, StatusTerminated},
	StatusActive:     {StatusPaused, StatusAgreed, StatusTerminated},
	StatusPaused:     {StatusActive, StatusTerminated},
	StatusAgreed:     {StatusClosed, StatusTerminated},
	StatusClosed:     {},
	StatusTerminated: {},
}

// Valid reports whether s is a member of the status enumeration.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// AllowedNext returns a copy of the permitted next states for current.
// Unknown statuses get an empty set.
func AllowedNext(current Status) []Status {
	next := transitions[current]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether current -> requested is an edge in the table.
func CanTransition(current, requested Status) bool {
	for _, next := range transitions[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a requested move is not in the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("Cannot transition from '%s' to '%s'", e.From, e.To)
}

// EnsureTransition validates current -> requested, failing closed for any
// pair not present in the table (including self-transitions).
func EnsureTransition(current, requested Status) error {
	if !CanTransition(current, requested) {
		return InvalidTransitionError{From: current, To: requested}
	}
	return nil
}
