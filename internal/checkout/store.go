package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"vbtix/internal/models"

	"github.com/uptrace/bun"
)

// Store persists the checkout aggregate: one transaction, its order
// items, its pending tickets, and its payment record, always together.
type Store struct {
	Bun *bun.DB
}

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrReservationInCheckout = errors.New("reservation already has a checkout in flight")
)

// GetTicketType returns a live ticket type for price snapshotting.
func (st *Store) GetTicketType(ctx context.Context, id string) (*models.TicketType, error) {
	var tt models.TicketType
	err := st.Bun.NewSelect().
		Model(&tt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &tt, nil
}

// GetTransactionByID returns a transaction with its order items.
func (st *Store) GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error) {
	var txn models.Transaction
	err := st.Bun.NewSelect().
		Model(&txn).
		Relation("OrderItems").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// HasOpenTransactionForReservation reports whether a PENDING
// transaction already references the reservation. Runs inside the
// checkout transaction so two concurrent checkouts of the same hold
// serialize on the reservation row's transactions.
func (st *Store) HasOpenTransactionForReservation(ctx context.Context, tx bun.IDB, reservationID string) (bool, error) {
	count, err := tx.NewSelect().
		Model((*models.Transaction)(nil)).
		Where("reservation_id = ?", reservationID).
		Where("status = ?", models.TransactionPending).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check open transactions for reservation %s: %w", reservationID, err)
	}
	return count > 0, nil
}

// InsertOrderTx writes the whole checkout aggregate inside the
// caller's transaction.
func (st *Store) InsertOrderTx(ctx context.Context, tx bun.IDB, txn *models.Transaction, items []*models.OrderItem, tickets []*models.Ticket, payment *models.Payment) error {
	if _, err := tx.NewInsert().Model(txn).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if _, err := tx.NewInsert().Model(&items).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert order items: %w", err)
	}
	if _, err := tx.NewInsert().Model(&tickets).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert tickets: %w", err)
	}
	if _, err := tx.NewInsert().Model(payment).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}
