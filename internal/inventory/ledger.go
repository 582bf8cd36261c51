package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"vbtix/internal/logger"
	"vbtix/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Cache is the optional availability read-model cache. The ledger only
// ever invalidates; reads go through Availability.
type Cache interface {
	GetAvailability(ctx context.Context, ticketTypeID string) (*models.Availability, bool)
	SetAvailability(ctx context.Context, availability *models.Availability)
	Invalidate(ctx context.Context, ticketTypeID string)
}

// Ledger owns the sold/reserved counters of every ticket type. Every
// mutation re-reads the authoritative counters inside the same
// transaction that writes them, so two concurrent requests for the
// last unit cannot both succeed: the second re-read observes the first
// writer's increment. On Postgres the row is additionally locked with
// SELECT ... FOR UPDATE so the two writers serialize instead of one of
// them failing on conflict.
type Ledger struct {
	db    *bun.DB
	log   *logger.Logger
	cache Cache
}

func NewLedger(db *bun.DB, log *logger.Logger, cache Cache) *Ledger {
	return &Ledger{db: db, log: log, cache: cache}
}

// TryReserve atomically moves quantity units from available to
// reserved, failing with ErrInsufficientInventory if the capacity is
// not there and ErrExceedsMaxPerPurchase if the request violates the
// per-purchase cap. No partial reservation is ever made.
func (l *Ledger) TryReserve(ctx context.Context, ticketTypeID string, quantity int) error {
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return l.TryReserveTx(ctx, tx, ticketTypeID, quantity)
	})
	if err != nil {
		return err
	}
	l.Invalidate(ctx, ticketTypeID)
	return nil
}

// TryReserveTx is TryReserve scoped to a caller-owned transaction, for
// flows that reserve as part of a larger atomic unit (direct checkout).
func (l *Ledger) TryReserveTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("invalid quantity %d", quantity)
	}

	tt, err := l.lockTicketType(ctx, tx, ticketTypeID)
	if err != nil {
		return err
	}

	if quantity > tt.MaxPerPurchase {
		return fmt.Errorf("%w: requested %d, cap %d", ErrExceedsMaxPerPurchase, quantity, tt.MaxPerPurchase)
	}

	available := tt.Quantity - tt.Sold - tt.Reserved
	if available < quantity {
		l.log.LogInventory("RESERVE", ticketTypeID, fmt.Sprintf("rejected: requested %d, available %d", quantity, available))
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientInventory, quantity, available)
	}

	tt.Reserved += quantity
	if err := l.updateCounters(ctx, tx, tt); err != nil {
		return err
	}

	l.log.LogInventory("RESERVE", ticketTypeID, fmt.Sprintf("reserved %d (sold=%d reserved=%d quantity=%d)", quantity, tt.Sold, tt.Reserved, tt.Quantity))
	return nil
}

// ReleaseReservedCapacity returns quantity units from reserved to the
// pool, on reservation expiry or cancellation.
func (l *Ledger) ReleaseReservedCapacity(ctx context.Context, ticketTypeID string, quantity int) error {
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return l.ReleaseReservedCapacityTx(ctx, tx, ticketTypeID, quantity)
	})
	if err != nil {
		return err
	}
	l.Invalidate(ctx, ticketTypeID)
	return nil
}

func (l *Ledger) ReleaseReservedCapacityTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error {
	tt, err := l.lockTicketType(ctx, tx, ticketTypeID)
	if err != nil {
		return err
	}

	if tt.Reserved < quantity {
		// A release that would go negative is a double-release upstream.
		// Abort loudly rather than clamp and hide the bug.
		l.log.Error("INVENTORY", fmt.Sprintf("release of %d would underflow reserved=%d for ticket type %s", quantity, tt.Reserved, ticketTypeID))
		return fmt.Errorf("%w: release %d, reserved %d", ErrInventoryUnderflow, quantity, tt.Reserved)
	}

	tt.Reserved -= quantity
	if err := l.updateCounters(ctx, tx, tt); err != nil {
		return err
	}

	l.log.LogInventory("RELEASE", ticketTypeID, fmt.Sprintf("released %d (reserved=%d)", quantity, tt.Reserved))
	return nil
}

// FinalizeSale converts quantity held units into sold units when a
// reservation converts to a paid transaction. Both counters move in
// the same write.
func (l *Ledger) FinalizeSale(ctx context.Context, ticketTypeID string, quantity int) error {
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return l.FinalizeSaleTx(ctx, tx, ticketTypeID, quantity)
	})
	if err != nil {
		return err
	}
	l.Invalidate(ctx, ticketTypeID)
	return nil
}

func (l *Ledger) FinalizeSaleTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error {
	tt, err := l.lockTicketType(ctx, tx, ticketTypeID)
	if err != nil {
		return err
	}

	if tt.Reserved < quantity {
		return fmt.Errorf("%w: finalize %d, reserved %d", ErrInventoryUnderflow, quantity, tt.Reserved)
	}

	tt.Reserved -= quantity
	tt.Sold += quantity
	if err := l.updateCounters(ctx, tx, tt); err != nil {
		return err
	}

	l.log.LogInventory("FINALIZE", ticketTypeID, fmt.Sprintf("finalized %d (sold=%d reserved=%d)", quantity, tt.Sold, tt.Reserved))
	return nil
}

// RestoreOnFailure releases capacity held by a failed transaction whose
// tickets were still PENDING. They were never counted as sold, so only
// the reserved counter moves.
func (l *Ledger) RestoreOnFailure(ctx context.Context, ticketTypeID string, quantity int) error {
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return l.RestoreOnFailureTx(ctx, tx, ticketTypeID, quantity)
	})
	if err != nil {
		return err
	}
	l.Invalidate(ctx, ticketTypeID)
	return nil
}

func (l *Ledger) RestoreOnFailureTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error {
	return l.ReleaseReservedCapacityTx(ctx, tx, ticketTypeID, quantity)
}

// Availability returns the current counters for a ticket type, served
// from the cache when warm.
func (l *Ledger) Availability(ctx context.Context, ticketTypeID string) (*models.Availability, error) {
	if l.cache != nil {
		if cached, ok := l.cache.GetAvailability(ctx, ticketTypeID); ok {
			return cached, nil
		}
	}

	var tt models.TicketType
	err := l.db.NewSelect().
		Model(&tt).
		Where("id = ?", ticketTypeID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketTypeNotFound
		}
		return nil, err
	}

	availability := &models.Availability{
		TicketTypeID: tt.ID,
		Quantity:     tt.Quantity,
		Sold:         tt.Sold,
		Reserved:     tt.Reserved,
		Available:    tt.Available(),
	}
	if l.cache != nil {
		l.cache.SetAvailability(ctx, availability)
	}
	return availability, nil
}

// lockTicketType re-reads the counters inside the caller's transaction.
// Postgres gets a row lock; the sqlite dialect used in tests rejects
// FOR UPDATE and serializes writers on its own.
func (l *Ledger) lockTicketType(ctx context.Context, tx bun.IDB, ticketTypeID string) (*models.TicketType, error) {
	tt := new(models.TicketType)
	q := tx.NewSelect().
		Model(tt).
		Where("id = ?", ticketTypeID)
	if l.db.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketTypeNotFound
		}
		return nil, fmt.Errorf("failed to lock ticket type %s: %w", ticketTypeID, err)
	}
	return tt, nil
}

func (l *Ledger) updateCounters(ctx context.Context, tx bun.IDB, tt *models.TicketType) error {
	_, err := tx.NewUpdate().
		Model(tt).
		Column("sold", "reserved").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update counters for ticket type %s: %w", tt.ID, err)
	}
	return nil
}

// Invalidate drops the cached availability read-model for a ticket
// type. Callers composing Tx variants into their own transaction call
// this after the commit; invalidating mid-transaction would let a
// concurrent Availability read repopulate the cache with pre-commit
// counters.
func (l *Ledger) Invalidate(ctx context.Context, ticketTypeID string) {
	if l.cache != nil {
		l.cache.Invalidate(ctx, ticketTypeID)
	}
}
