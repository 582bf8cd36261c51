package reservation

import "errors"

var (
	// ErrReservationNotFound means no reservation matched the ID.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationExpired means the hold's TTL has lapsed; the
	// reservation is (or is about to be) EXPIRED and its capacity
	// returned to the pool.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrOwnershipMismatch means the caller's session does not own the
	// reservation. Mutations are rejected without any state change.
	ErrOwnershipMismatch = errors.New("reservation owned by a different session")

	// ErrIllegalTransition means the reservation is in a terminal state
	// or the requested transition is not in the state machine.
	ErrIllegalTransition = errors.New("illegal reservation transition")
)
