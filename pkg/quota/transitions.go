package quota

import (
	"slices"
)

// Transition represents a valid state transition.
type Transition struct {
	From Status
	To   Status
}

// validTransitions defines all allowed state transitions. Any state may also
// move to paused; see CanTransition.
var validTransitions = map[Transition]bool{
	{StatusTrialing, StatusActive}:   true, // Checkout completed
	{StatusTrialing, StatusExpired}:  true, // Trial elapsed without checkout
	{StatusTrialing, StatusCanceled}: true, // Canceled during trial
	{StatusActive, StatusPastDue}:    true, // Charge failed
	{StatusActive, StatusCanceled}:   true, // Deferred cancellation reached period end
	{StatusActive, StatusExpired}:    true, // Provider reported incomplete/expired
	{StatusPastDue, StatusActive}:    true, // Retry succeeded
	{StatusPastDue, StatusCanceled}:  true, // Retries exhausted or canceled
	{StatusCanceled, StatusActive}:   true, // Reactivated or re-subscribed
	{StatusExpired, StatusActive}:    true, // Re-subscription
	{StatusPaused, StatusActive}:     true, // Admin resume
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to Status) bool {
	if to == StatusPaused {
		return from != StatusPaused && IsKnownStatus(from)
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	if CanTransition(from, StatusPaused) {
		targets = append(targets, StatusPaused)
	}

	slices.Sort(targets)
	return targets
}

// IsTerminal reports states in which usage is denied unconditionally.
func IsTerminal(s Status) bool {
	return s == StatusCanceled || s == StatusExpired
}

// IsKnownStatus reports whether s is one of the lifecycle states.
func IsKnownStatus(s Status) bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired, StatusPaused:
		return true
	}
	return false
}

// CanCancel reports whether a user-initiated cancellation is possible.
func CanCancel(sub *Subscription) bool {
	if sub == nil || sub.CancelAtPeriodEnd {
		return false
	}
	switch sub.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	}
	return false
}
