package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionSuccess  TransactionStatus = "SUCCESS"
	TransactionFailed   TransactionStatus = "FAILED"
	TransactionExpired  TransactionStatus = "EXPIRED"
	TransactionRefunded TransactionStatus = "REFUNDED"
)

// Only PENDING may move. Every other status is terminal, which is what
// makes repeated gateway callbacks safe to absorb.
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending: {TransactionSuccess, TransactionFailed, TransactionExpired, TransactionRefunded},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	return len(transactionTransitions[s]) == 0
}

// Transaction is the order aggregate. Amount is snapshotted from the
// order items at creation time and never recomputed.
type Transaction struct {
	bun.BaseModel `bun:"table:transactions"`

	ID            string            `bun:"id,pk" json:"id"`
	UserID        string            `bun:"user_id,nullzero" json:"user_id,omitempty"`
	SessionID     string            `bun:"session_id,nullzero" json:"session_id,omitempty"`
	EventID       string            `bun:"event_id,notnull" json:"event_id"`
	ReservationID string            `bun:"reservation_id,nullzero" json:"reservation_id,omitempty"`
	Amount        float64           `bun:"amount,notnull" json:"amount"`
	Status        TransactionStatus `bun:"status,notnull" json:"status"`
	PaymentMethod string            `bun:"payment_method,notnull" json:"payment_method"`
	InvoiceNumber string            `bun:"invoice_number,unique,notnull" json:"invoice_number"`

	// InventoryFinalized is the one-time marker guarding the two
	// finalization paths (reservation conversion vs direct checkout
	// success) against double-incrementing sold.
	InventoryFinalized bool `bun:"inventory_finalized,notnull,default:false" json:"inventory_finalized"`

	// AwaitingManualVerification flags offline payments that settle
	// through an admin action instead of a gateway callback.
	AwaitingManualVerification bool `bun:"awaiting_manual_verification,notnull,default:false" json:"awaiting_manual_verification"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`

	OrderItems []*OrderItem `bun:"rel:has-many,join:id=transaction_id" json:"order_items,omitempty"`
}

// OrderItem records one ticket type / quantity line of a transaction
// with the unit price frozen at checkout time.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID            string  `bun:"id,pk" json:"id"`
	TransactionID string  `bun:"transaction_id,notnull" json:"transaction_id"`
	TicketTypeID  string  `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity      int     `bun:"quantity,notnull" json:"quantity"`
	Price         float64 `bun:"price,notnull" json:"price"`
}
