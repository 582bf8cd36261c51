package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PaymentGateway identifies which status vocabulary a callback speaks.
type PaymentGateway string

const (
	GatewayStripe PaymentGateway = "stripe"
	GatewayManual PaymentGateway = "manual"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentExpired  PaymentStatus = "EXPIRED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Payment is the audit record for one gateway payment attempt. The raw
// callback payload is retained so replays can be inspected after the
// owning transaction has reached a terminal state.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID              string         `bun:"id,pk" json:"id"`
	TransactionID   string         `bun:"transaction_id,notnull" json:"transaction_id"`
	Gateway         PaymentGateway `bun:"gateway,notnull" json:"gateway"`
	Status          PaymentStatus  `bun:"status,notnull" json:"status"`
	PaymentID       string         `bun:"payment_id,unique,notnull" json:"payment_id"`
	CallbackPayload []byte         `bun:"callback_payload,nullzero" json:"-"`
	ReceivedAt      time.Time      `bun:"received_at,nullzero" json:"received_at,omitempty"`
	CreatedAt       time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
