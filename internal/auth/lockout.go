package auth

import "time"

// AttemptSlot is the outcome of reserving a sign-in attempt against an
// account's failed-attempt counter.
type AttemptSlot struct {
	// Count includes the reserved attempt. When Locked it is the stored
	// count and no attempt was reserved.
	Count        int
	LastFailedAt time.Time
	Locked       bool
}

// ReserveSlot applies one attempt to a counter holding count failures, the
// latest at last. A count older than window restarts at zero first; a
// count already at limit inside the window is locked and left untouched.
// Stores call it while holding the account row so that concurrent attempts
// observe each other's reservations.
func ReserveSlot(count int, last, at time.Time, window time.Duration, limit int) AttemptSlot {
	if count > 0 && window > 0 && !last.IsZero() && at.Sub(last) >= window {
		count = 0
	}
	if limit > 0 && count >= limit {
		return AttemptSlot{Count: count, LastFailedAt: last, Locked: true}
	}
	return AttemptSlot{Count: count + 1, LastFailedAt: at}
}

// RetryAfter is how long a locked slot stays locked at now.
func (s AttemptSlot) RetryAfter(now time.Time, window time.Duration) time.Duration {
	if !s.Locked {
		return 0
	}
	if d := s.LastFailedAt.Add(window).Sub(now); d > 0 {
		return d
	}
	return 0
}
