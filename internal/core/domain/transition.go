package domain

// ValidBookingTransitions defines allowed status transitions.
// Key is the current status, value is the list of valid next statuses.
var ValidBookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCancelled},
	BookingStatusCancelled: {},
}

// CanTransition checks if a booking may move from one status to another.
// Re-applying the current status is always allowed and is a no-op.
func CanTransition(from, to BookingStatus) bool {
	if from == to {
		return true
	}
	validTargets, ok := ValidBookingTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}
