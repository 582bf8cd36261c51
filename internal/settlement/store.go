package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"vbtix/internal/models"

	"github.com/uptrace/bun"
)

// Store is the settlement-side persistence surface. The mutating
// methods all take the caller's transaction: the reconciler owns the
// atomic unit, the store just writes into it.
type Store struct {
	Bun *bun.DB
}

// GetPaymentByReference looks up the audit record by external payment
// reference.
func (st *Store) GetPaymentByReference(ctx context.Context, paymentReference string) (*models.Payment, error) {
	var payment models.Payment
	err := st.Bun.NewSelect().
		Model(&payment).
		Where("payment_id = ?", paymentReference).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetTransactionWithItems returns a transaction with its order items.
func (st *Store) GetTransactionWithItems(ctx context.Context, id string) (*models.Transaction, error) {
	var txn models.Transaction
	err := st.Bun.NewSelect().
		Model(&txn).
		Relation("OrderItems").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// GetActiveTickets returns the tickets of a transaction after
// settlement, for the delivery side effect.
func (st *Store) GetActiveTickets(ctx context.Context, transactionID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := st.Bun.NewSelect().
		Model(&tickets).
		Where("transaction_id = ?", transactionID).
		Where("status = ?", models.TicketActive).
		Scan(ctx)
	return tickets, err
}

// UpdatePaymentAudit stamps the latest callback payload and receipt
// time on the payment record. Used standalone for replays against
// already-terminal transactions.
func (st *Store) UpdatePaymentAudit(ctx context.Context, idb bun.IDB, payment *models.Payment, status models.PaymentStatus, payload []byte) error {
	payment.Status = status
	payment.CallbackPayload = payload
	payment.ReceivedAt = time.Now()
	_, err := idb.NewUpdate().
		Model(payment).
		Column("status", "callback_payload", "received_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", payment.PaymentID, err)
	}
	return nil
}

// LatchTransactionTx transitions a transaction out of PENDING, setting
// the inventory-finalized marker in the same write when requested. The
// boolean result is the idempotency guard: false means another caller
// settled the transaction first.
func (st *Store) LatchTransactionTx(ctx context.Context, tx bun.IDB, id string, next models.TransactionStatus, finalizeInventory bool) (bool, error) {
	txn := &models.Transaction{
		ID:                 id,
		Status:             next,
		InventoryFinalized: finalizeInventory,
		UpdatedAt:          time.Now(),
	}
	columns := []string{"status", "updated_at"}
	if finalizeInventory {
		columns = append(columns, "inventory_finalized")
	}

	result, err := tx.NewUpdate().
		Model(txn).
		Column(columns...).
		Where("id = ?", id).
		Where("status = ?", models.TransactionPending).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateTicketsStatusTx moves every ticket of a transaction from one
// status to another inside the caller's transaction.
func (st *Store) UpdateTicketsStatusTx(ctx context.Context, tx bun.IDB, transactionID string, from, to models.TicketStatus, issuedAt time.Time) error {
	ticket := &models.Ticket{Status: to}
	columns := []string{"status"}
	if !issuedAt.IsZero() {
		ticket.IssuedAt = issuedAt
		columns = append(columns, "issued_at")
	}

	_, err := tx.NewUpdate().
		Model(ticket).
		Column(columns...).
		Where("transaction_id = ?", transactionID).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to move tickets of %s from %s to %s: %w", transactionID, from, to, err)
	}
	return nil
}

// SaveTicketQRCode attaches the generated QR image to a ticket. Runs
// outside the settlement transaction as a best-effort side effect.
func (st *Store) SaveTicketQRCode(ctx context.Context, ticketID string, qr []byte) error {
	_, err := st.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("qr_code = ?", qr).
		Where("id = ?", ticketID).
		Exec(ctx)
	return err
}

// GetReservationByID fetches the reservation linked to a transaction.
func (st *Store) GetReservationByID(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	err := st.Bun.NewSelect().
		Model(&res).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}
