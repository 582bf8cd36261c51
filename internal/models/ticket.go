package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketPending   TicketStatus = "PENDING"
	TicketActive    TicketStatus = "ACTIVE"
	TicketUsed      TicketStatus = "USED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketExpired   TicketStatus = "EXPIRED"
	TicketRefunded  TicketStatus = "REFUNDED"
)

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketPending: {TicketActive, TicketCancelled, TicketExpired},
	TicketActive:  {TicketUsed, TicketRefunded},
}

func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ticket is one admission unit. Tickets are created PENDING at checkout
// and promoted to ACTIVE only when the owning transaction settles
// successfully.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID              string       `bun:"id,pk" json:"id"`
	TicketTypeID    string       `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	TransactionID   string       `bun:"transaction_id,notnull" json:"transaction_id"`
	Status          TicketStatus `bun:"status,notnull" json:"status"`
	QRCode          []byte       `bun:"qr_code,nullzero" json:"-"`
	PriceAtPurchase float64      `bun:"price_at_purchase,notnull" json:"price_at_purchase"`
	IssuedAt        time.Time    `bun:"issued_at,nullzero" json:"issued_at,omitempty"`
	CheckedIn       bool         `bun:"checked_in,notnull,default:false" json:"checked_in"`
	CheckedInTime   time.Time    `bun:"checked_in_time,nullzero" json:"checked_in_time,omitempty"`
}

// TicketForDelivery is the trimmed shape published to the delivery
// topic after a successful settlement.
type TicketForDelivery struct {
	TicketID      string       `json:"ticket_id"`
	TicketTypeID  string       `json:"ticket_type_id"`
	TransactionID string       `json:"transaction_id"`
	Status        TicketStatus `json:"status"`
	IssuedAt      time.Time    `json:"issued_at"`
}

func (t *Ticket) ToDeliveryTicket() TicketForDelivery {
	return TicketForDelivery{
		TicketID:      t.ID,
		TicketTypeID:  t.TicketTypeID,
		TransactionID: t.TransactionID,
		Status:        t.Status,
		IssuedAt:      t.IssuedAt,
	}
}

// TicketDeliveryEvent is the message published after settlement so the
// delivery pipeline can email or push the purchased tickets.
type TicketDeliveryEvent struct {
	TransactionID string              `json:"transaction_id"`
	EventID       string              `json:"event_id"`
	InvoiceNumber string              `json:"invoice_number"`
	SettledAt     time.Time           `json:"settled_at"`
	Tickets       []TicketForDelivery `json:"tickets"`
}
