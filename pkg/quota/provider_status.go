package quota

import "strings"

// MapProviderStatus maps a Stripe subscription status onto a lifecycle state.
// Unknown values fail closed to expired.
func MapProviderStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	case "paused":
		return StatusPaused
	case "incomplete", "incomplete_expired":
		return StatusExpired
	default:
		return StatusExpired
	}
}
