package models

import (
	"time"

	"github.com/uptrace/bun"
)

// TicketType is the inventory unit. The sold/reserved counters are the
// only shared mutable state in the system and are mutated exclusively
// by the inventory ledger inside a transaction scoped to this row.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types"`

	ID             string    `bun:"id,pk" json:"id"`
	EventID        string    `bun:"event_id,notnull" json:"event_id"`
	Name           string    `bun:"name,notnull" json:"name"`
	Price          float64   `bun:"price,notnull" json:"price"`
	Quantity       int       `bun:"quantity,notnull" json:"quantity"`
	Sold           int       `bun:"sold,notnull,default:0" json:"sold"`
	Reserved       int       `bun:"reserved,notnull,default:0" json:"reserved"`
	MaxPerPurchase int       `bun:"max_per_purchase,notnull" json:"max_per_purchase"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	DeletedAt      time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// Available returns the capacity not yet sold or held by a reservation.
func (t *TicketType) Available() int {
	return t.Quantity - t.Sold - t.Reserved
}

// Availability is the read-model returned by the availability endpoint
// and cached in Redis.
type Availability struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
	Sold         int    `json:"sold"`
	Reserved     int    `json:"reserved"`
	Available    int    `json:"available"`
}
