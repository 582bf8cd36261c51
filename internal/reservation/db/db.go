package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"vbtix/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

// RunInTx runs fn inside one database transaction. The reservation
// service uses it to commit a status latch and the matching ledger
// counter move as a single unit.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.IDB) error) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, tx)
	})
}

// ---------------- RESERVATIONS ----------------

// CreateReservation → insert new reservation
func (d *DB) CreateReservation(ctx context.Context, res models.Reservation) error {
	return d.CreateReservationTx(ctx, d.Bun, res)
}

// CreateReservationTx → insert inside the caller's transaction, so the
// row and the ledger's reserved increment commit together
func (d *DB) CreateReservationTx(ctx context.Context, tx bun.IDB, res models.Reservation) error {
	_, err := tx.NewInsert().Model(&res).Exec(ctx)
	return err
}

// GetReservationByID → fetch one reservation by its ID
func (d *DB) GetReservationByID(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	err := d.Bun.NewSelect().
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

// GetReservationsBySession → all reservations owned by a session,
// newest first
func (d *DB) GetReservationsBySession(ctx context.Context, sessionID string) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservations).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Scan(ctx)
	return reservations, err
}

// GetStaleReservations → capacity-holding reservations past their TTL,
// for the sweeper
func (d *DB) GetStaleReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservations).
		Where("status IN (?)", bun.In([]models.ReservationStatus{models.ReservationPending, models.ReservationActive})).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Scan(ctx)
	return reservations, err
}

// ---------------- STATUS LATCHES ----------------
//
// Each transition below is a conditional update guarded by the set of
// legal source states. The boolean result tells the caller whether
// this call performed the transition, so the side effect tied to it
// (releasing or finalizing ledger capacity) runs exactly once no
// matter how many workers race on the same reservation.

// ActivateReservation → PENDING to ACTIVE
func (d *DB) ActivateReservation(ctx context.Context, id string) (bool, error) {
	return d.latch(ctx, d.Bun, id, models.ReservationActive, nil,
		models.ReservationPending)
}

// MarkExpired → PENDING/ACTIVE to EXPIRED
func (d *DB) MarkExpired(ctx context.Context, id string) (bool, error) {
	return d.MarkExpiredTx(ctx, d.Bun, id)
}

// MarkExpiredTx is MarkExpired scoped to a caller-owned transaction,
// so the latch rolls back if the capacity release in the same
// transaction fails.
func (d *DB) MarkExpiredTx(ctx context.Context, tx bun.IDB, id string) (bool, error) {
	return d.latch(ctx, tx, id, models.ReservationExpired, nil,
		models.ReservationPending, models.ReservationActive)
}

// MarkCancelled → PENDING/ACTIVE to CANCELLED
func (d *DB) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return d.latch(ctx, d.Bun, id, models.ReservationCancelled, nil,
		models.ReservationPending, models.ReservationActive)
}

// ConvertReservationTx → PENDING/ACTIVE to CONVERTED inside the
// caller's transaction, recording the consuming transaction ID in the
// metadata. The settlement reconciler runs this in the same database
// transaction as the ledger finalization so the hold can never be
// both converted and later swept.
func (d *DB) ConvertReservationTx(ctx context.Context, tx bun.IDB, res *models.Reservation, transactionID string) (bool, error) {
	metadata := res.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[models.MetadataTransactionID] = transactionID

	return d.latch(ctx, tx, res.ID, models.ReservationConverted, metadata,
		models.ReservationPending, models.ReservationActive)
}

// MarkCancelledTx is MarkCancelled scoped to a caller-owned
// transaction, for the settlement failure path.
func (d *DB) MarkCancelledTx(ctx context.Context, tx bun.IDB, id string) (bool, error) {
	return d.latch(ctx, tx, id, models.ReservationCancelled, nil,
		models.ReservationPending, models.ReservationActive)
}

func (d *DB) latch(ctx context.Context, idb bun.IDB, id string, next models.ReservationStatus, metadata map[string]string, from ...models.ReservationStatus) (bool, error) {
	res := &models.Reservation{
		ID:        id,
		Status:    next,
		UpdatedAt: time.Now(),
	}
	columns := []string{"status", "updated_at"}
	if metadata != nil {
		res.Metadata = metadata
		columns = append(columns, "metadata")
	}

	result, err := idb.NewUpdate().
		Model(res).
		Column(columns...).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from)).
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
