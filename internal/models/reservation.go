package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationConverted ReservationStatus = "CONVERTED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// reservationTransitions is the closed transition table. Anything not
// listed here is an illegal transition.
var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationPending: {ReservationActive, ReservationConverted, ReservationExpired, ReservationCancelled},
	ReservationActive:  {ReservationConverted, ReservationExpired, ReservationCancelled},
}

// CanTransitionTo reports whether moving from s to next is a legal
// reservation transition. Terminal states allow nothing.
func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	for _, allowed := range reservationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is permitted.
func (s ReservationStatus) IsTerminal() bool {
	return len(reservationTransitions[s]) == 0
}

// HoldsCapacity reports whether a reservation in this status is
// counted in its ticket type's reserved counter.
func (s ReservationStatus) HoldsCapacity() bool {
	return s == ReservationPending || s == ReservationActive
}

// Reservation is a time-boxed hold on ticket inventory prior to
// payment. While PENDING or ACTIVE its quantity is counted in the
// owning TicketType's reserved counter.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID           string            `bun:"id,pk" json:"id"`
	TicketTypeID string            `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity     int               `bun:"quantity,notnull" json:"quantity"`
	SessionID    string            `bun:"session_id,notnull" json:"session_id"`
	Status       ReservationStatus `bun:"status,notnull" json:"status"`
	ExpiresAt    time.Time         `bun:"expires_at,notnull" json:"expires_at"`
	Metadata     map[string]string `bun:"metadata,type:jsonb,nullzero" json:"metadata,omitempty"`
	CreatedAt    time.Time         `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt    time.Time         `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// MetadataTransactionID is the metadata key linking a CONVERTED
// reservation to the transaction that consumed it.
const MetadataTransactionID = "transaction_id"

// Expired reports whether the hold is past its TTL at the given time.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
