package reservation

import (
	"context"
	"fmt"
	"time"
	"vbtix/internal/logger"
	"vbtix/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DBLayer is the reservation persistence surface the service needs.
// The Tx variants run inside a RunInTx transaction so a status latch
// and its ledger counter move commit or roll back together; a latch
// that committed without its release would strand the capacity in
// reserved with no path left to return it.
type DBLayer interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.IDB) error) error
	CreateReservationTx(ctx context.Context, tx bun.IDB, res models.Reservation) error
	GetReservationByID(ctx context.Context, id string) (*models.Reservation, error)
	GetReservationsBySession(ctx context.Context, sessionID string) ([]models.Reservation, error)
	GetStaleReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	ActivateReservation(ctx context.Context, id string) (bool, error)
	MarkExpiredTx(ctx context.Context, tx bun.IDB, id string) (bool, error)
	MarkCancelledTx(ctx context.Context, tx bun.IDB, id string) (bool, error)
}

// InventoryLedger is the slice of the ledger the reservation machine
// drives: acquiring capacity on create, returning it on expiry and
// cancellation, all inside the service's own transaction. Conversion
// releases capacity through the settlement reconciler instead, so it
// is not part of this interface.
type InventoryLedger interface {
	TryReserveTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error
	ReleaseReservedCapacityTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error
	Invalidate(ctx context.Context, ticketTypeID string)
}

type Service struct {
	DB     DBLayer
	Ledger InventoryLedger
	Logger *logger.Logger

	// DefaultTTL applies when a create request does not carry its own
	// expiration. MaxTTL caps what a caller may ask for.
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

func NewService(db DBLayer, ledger InventoryLedger, log *logger.Logger, defaultTTL, maxTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if maxTTL <= 0 {
		maxTTL = 30 * time.Minute
	}
	return &Service{DB: db, Ledger: ledger, Logger: log, DefaultTTL: defaultTTL, MaxTTL: maxTTL}
}

type CreateRequest struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
	SessionID    string `json:"session_id"`
	TTLMinutes   int    `json:"expiration_minutes,omitempty"`
}

// Create acquires capacity through the ledger and persists a PENDING
// hold in the same database transaction, so a failed insert rolls the
// reserved increment back and no unit is ever held without an owning
// reservation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Reservation, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", req.Quantity)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	ttl := s.DefaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
		if ttl > s.MaxTTL {
			ttl = s.MaxTTL
		}
	}

	res := models.Reservation{
		ID:           uuid.NewString(),
		TicketTypeID: req.TicketTypeID,
		Quantity:     req.Quantity,
		SessionID:    req.SessionID,
		Status:       models.ReservationPending,
		ExpiresAt:    time.Now().Add(ttl),
		CreatedAt:    time.Now(),
	}

	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		if err := s.Ledger.TryReserveTx(ctx, tx, req.TicketTypeID, req.Quantity); err != nil {
			return err
		}
		if err := s.DB.CreateReservationTx(ctx, tx, res); err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Ledger.Invalidate(ctx, req.TicketTypeID)

	s.Logger.LogReservation("CREATE", res.ID, fmt.Sprintf("%d x %s for session %s, expires %s", req.Quantity, req.TicketTypeID, req.SessionID, res.ExpiresAt.Format(time.RFC3339)))
	return &res, nil
}

// Get returns the reservation, lazily expiring it first if its TTL has
// lapsed. Readers therefore always observe EXPIRED rather than a
// stale PENDING/ACTIVE hold.
func (s *Service) Get(ctx context.Context, id string) (*models.Reservation, error) {
	res, err := s.DB.GetReservationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrReservationNotFound
	}

	if res.Status.HoldsCapacity() && res.Expired(time.Now()) {
		if err := s.expire(ctx, res); err != nil {
			return nil, err
		}
		res.Status = models.ReservationExpired
	}
	return res, nil
}

// Activate confirms a PENDING hold on behalf of its owning session.
func (s *Service) Activate(ctx context.Context, id, sessionID string) (*models.Reservation, error) {
	res, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.SessionID != sessionID {
		return nil, ErrOwnershipMismatch
	}
	if res.Status == models.ReservationExpired {
		return nil, ErrReservationExpired
	}
	if res.Status != models.ReservationPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, res.Status, models.ReservationActive)
	}

	changed, err := s.DB.ActivateReservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to activate reservation %s: %w", id, err)
	}
	if !changed {
		// Lost a race with expiry or cancellation; re-read for the caller.
		return nil, fmt.Errorf("%w: reservation %s no longer pending", ErrIllegalTransition, id)
	}

	res.Status = models.ReservationActive
	s.Logger.LogReservation("ACTIVATE", id, "hold confirmed by owning session")
	return res, nil
}

// Cancel is buyer-initiated abandonment: the same effect as expiry,
// but explicit and ownership-checked.
func (s *Service) Cancel(ctx context.Context, id, sessionID string) error {
	res, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if res.SessionID != sessionID {
		return ErrOwnershipMismatch
	}
	if res.Status == models.ReservationExpired {
		// Expiry already released the capacity; nothing left to cancel.
		return nil
	}
	if !res.Status.CanTransitionTo(models.ReservationCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, res.Status, models.ReservationCancelled)
	}

	changed := false
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		var latchErr error
		changed, latchErr = s.DB.MarkCancelledTx(ctx, tx, id)
		if latchErr != nil {
			return fmt.Errorf("failed to cancel reservation %s: %w", id, latchErr)
		}
		if !changed {
			return nil
		}
		return s.Ledger.ReleaseReservedCapacityTx(ctx, tx, res.TicketTypeID, res.Quantity)
	})
	if err != nil {
		return err
	}
	if changed {
		s.Ledger.Invalidate(ctx, res.TicketTypeID)
		s.Logger.LogReservation("CANCEL", id, fmt.Sprintf("released %d x %s", res.Quantity, res.TicketTypeID))
	}
	return nil
}

// ListBySession returns a session's reservations with lazy expiry
// applied to each.
func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]models.Reservation, error) {
	reservations, err := s.DB.GetReservationsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range reservations {
		res := &reservations[i]
		if res.Status.HoldsCapacity() && res.Expired(now) {
			if err := s.expire(ctx, res); err != nil {
				return nil, err
			}
			res.Status = models.ReservationExpired
		}
	}
	return reservations, nil
}

// ExpireStale sweeps capacity-holding reservations past their TTL.
// Safe to run concurrently and repeatedly: the status latch ensures
// each reservation's capacity is released exactly once.
func (s *Service) ExpireStale(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	stale, err := s.DB.GetStaleReservations(ctx, time.Now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	expired := 0
	for i := range stale {
		if err := s.expire(ctx, &stale[i]); err != nil {
			// Keep sweeping the rest; the failed one is retried on the
			// next pass or on its next lookup.
			s.Logger.Error("RESERVATION", fmt.Sprintf("sweep failed for %s: %v", stale[i].ID, err))
			continue
		}
		expired++
	}
	return expired, nil
}

// expire latches the reservation to EXPIRED and returns its capacity
// in one transaction. A failed release rolls the latch back too, so
// the hold stays sweepable and the units are never stranded in
// reserved.
func (s *Service) expire(ctx context.Context, res *models.Reservation) error {
	changed := false
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.IDB) error {
		var latchErr error
		changed, latchErr = s.DB.MarkExpiredTx(ctx, tx, res.ID)
		if latchErr != nil {
			return fmt.Errorf("failed to expire reservation %s: %w", res.ID, latchErr)
		}
		if !changed {
			// Someone else expired, cancelled, or converted it first.
			return nil
		}
		return s.Ledger.ReleaseReservedCapacityTx(ctx, tx, res.TicketTypeID, res.Quantity)
	})
	if err != nil {
		return err
	}
	if changed {
		s.Ledger.Invalidate(ctx, res.TicketTypeID)
		s.Logger.LogReservation("EXPIRE", res.ID, fmt.Sprintf("released %d x %s", res.Quantity, res.TicketTypeID))
	}
	return nil
}
