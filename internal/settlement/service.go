package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"
	"vbtix/internal/logger"
	"vbtix/internal/models"
	"vbtix/internal/settlement/gateway"

	"github.com/uptrace/bun"
)

// ErrPaymentNotFound means a callback referenced an external payment
// this system never created. Logged as a likely integration problem;
// no payment record is created speculatively.
var ErrPaymentNotFound = errors.New("payment not found")

// InventoryLedger is the transaction-scoped slice of the ledger the
// reconciler drives. Every call lands inside the reconciler's own
// database transaction so counters, tickets, and the transaction row
// reach their terminal state together or not at all.
type InventoryLedger interface {
	TryReserveTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error
	FinalizeSaleTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error
	RestoreOnFailureTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error
	Invalidate(ctx context.Context, ticketTypeID string)
}

// ReservationStore is the reservation latch surface: converting a hold
// on success, cancelling it on failure, both inside the reconciler's
// transaction.
type ReservationStore interface {
	ConvertReservationTx(ctx context.Context, tx bun.IDB, res *models.Reservation, transactionID string) (bool, error)
	MarkCancelledTx(ctx context.Context, tx bun.IDB, id string) (bool, error)
}

// DeliveryPublisher triggers downstream ticket delivery after a
// successful settlement. Failures are logged, never propagated: the
// committed financial state does not depend on delivery.
type DeliveryPublisher interface {
	PublishTicketDelivery(ctx context.Context, event models.TicketDeliveryEvent) error
}

// QRGenerator renders the encrypted admission QR for an activated
// ticket.
type QRGenerator interface {
	GenerateEncryptedQR(ticket models.Ticket) ([]byte, error)
}

type Service struct {
	Store        *Store
	Ledger       InventoryLedger
	Reservations ReservationStore
	Delivery     DeliveryPublisher
	QR           QRGenerator
	Logger       *logger.Logger
}

func NewService(store *Store, ledger InventoryLedger, reservations ReservationStore, delivery DeliveryPublisher, qr QRGenerator, log *logger.Logger) *Service {
	return &Service{Store: store, Ledger: ledger, Reservations: reservations, Delivery: delivery, QR: qr, Logger: log}
}

// Result reports what a callback did. Duplicate results are returned
// as success-equivalents so gateways stop retrying processed events.
type Result struct {
	TransactionID string                   `json:"transaction_id"`
	Status        models.TransactionStatus `json:"status"`
	Applied       bool                     `json:"applied"`
	Duplicate     bool                     `json:"duplicate"`
}

// ApplyPaymentCallback is the single entry point for asynchronous
// payment outcomes: gateway webhooks, and the admin manual-verification
// action which speaks the manual vocabulary. It tolerates at-least-once
// and out-of-order delivery; only a PENDING transaction ever
// transitions, and exactly once.
func (s *Service) ApplyPaymentCallback(ctx context.Context, paymentReference, externalStatus string, rawPayload []byte) (*Result, error) {
	payment, err := s.Store.GetPaymentByReference(ctx, paymentReference)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		s.Logger.Error("SETTLEMENT", fmt.Sprintf("callback for unknown payment reference %s", paymentReference))
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentReference)
	}

	mapped, err := gateway.MapStatus(payment.Gateway, externalStatus)
	if err != nil {
		s.Logger.Error("SETTLEMENT", fmt.Sprintf("unmappable status %q from %s for payment %s", externalStatus, payment.Gateway, paymentReference))
		return nil, err
	}

	txn, err := s.Store.GetTransactionWithItems(ctx, payment.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("payment %s references missing transaction %s", paymentReference, payment.TransactionID)
	}

	// Replays against a settled transaction only refresh the audit
	// record. No ledger or ticket mutation.
	if txn.Status.IsTerminal() {
		if err := s.Store.UpdatePaymentAudit(ctx, s.Store.Bun, payment, gateway.PaymentStatusFor(txn.Status), rawPayload); err != nil {
			return nil, err
		}
		s.Logger.LogSettlement("DUPLICATE", txn.ID, fmt.Sprintf("absorbed %s callback for %s transaction", externalStatus, txn.Status))
		return &Result{TransactionID: txn.ID, Status: txn.Status, Duplicate: true}, nil
	}

	// An intermediate gateway status keeps the transaction open.
	if mapped == models.TransactionPending {
		if err := s.Store.UpdatePaymentAudit(ctx, s.Store.Bun, payment, models.PaymentPending, rawPayload); err != nil {
			return nil, err
		}
		return &Result{TransactionID: txn.ID, Status: txn.Status}, nil
	}

	latched := false
	err = s.Store.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		finalize := mapped == models.TransactionSuccess
		var latchErr error
		latched, latchErr = s.Store.LatchTransactionTx(ctx, tx, txn.ID, mapped, finalize)
		if latchErr != nil {
			return latchErr
		}
		if !latched {
			// A concurrent callback won the latch. Nothing else to do;
			// the audit update below still records this delivery.
			return s.Store.UpdatePaymentAudit(ctx, tx, payment, gateway.PaymentStatusFor(mapped), rawPayload)
		}

		if err := s.Store.UpdatePaymentAudit(ctx, tx, payment, gateway.PaymentStatusFor(mapped), rawPayload); err != nil {
			return err
		}

		switch mapped {
		case models.TransactionSuccess:
			return s.applySuccessTx(ctx, tx, txn)
		default:
			return s.applyFailureTx(ctx, tx, txn, mapped)
		}
	})
	if err != nil {
		return nil, err
	}

	if !latched {
		return &Result{TransactionID: txn.ID, Status: mapped, Duplicate: true}, nil
	}

	// The counters moved; drop the cached availability now that the
	// transaction is committed.
	for _, item := range txn.OrderItems {
		s.Ledger.Invalidate(ctx, item.TicketTypeID)
	}

	if mapped == models.TransactionSuccess {
		s.deliverTickets(ctx, txn)
	}

	s.Logger.LogSettlement("APPLY", txn.ID, fmt.Sprintf("transaction settled as %s (payment %s)", mapped, paymentReference))
	return &Result{TransactionID: txn.ID, Status: mapped, Applied: true}, nil
}

// applySuccessTx promotes tickets, consumes the linked reservation if
// any, and finalizes the sale in the inventory ledger, all inside the
// settlement transaction.
func (s *Service) applySuccessTx(ctx context.Context, tx bun.Tx, txn *models.Transaction) error {
	if err := s.Store.UpdateTicketsStatusTx(ctx, tx, txn.ID, models.TicketPending, models.TicketActive, time.Now()); err != nil {
		return err
	}

	if txn.ReservationID != "" {
		res, err := s.Store.GetReservationByID(ctx, txn.ReservationID)
		if err != nil {
			return err
		}
		if res != nil {
			converted, err := s.Reservations.ConvertReservationTx(ctx, tx, res, txn.ID)
			if err != nil {
				return err
			}
			if !converted {
				// The hold expired before payment landed and its
				// capacity went back to the pool. Re-acquire before
				// finalizing; if the capacity is gone the settlement
				// aborts and the gateway retry surfaces the conflict.
				s.Logger.Warn("SETTLEMENT", fmt.Sprintf("reservation %s no longer holds capacity for transaction %s, re-acquiring", res.ID, txn.ID))
				for _, item := range txn.OrderItems {
					if err := s.Ledger.TryReserveTx(ctx, tx, item.TicketTypeID, item.Quantity); err != nil {
						return fmt.Errorf("cannot re-acquire capacity for settled transaction %s: %w", txn.ID, err)
					}
				}
			}
		}
	}

	if txn.InventoryFinalized {
		// Already finalized by an earlier path; the marker keeps the
		// sold counter from double-counting.
		return nil
	}
	for _, item := range txn.OrderItems {
		if err := s.Ledger.FinalizeSaleTx(ctx, tx, item.TicketTypeID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// applyFailureTx cancels tickets and hands held capacity back. Sold is
// untouched: a PENDING transaction's tickets were never counted there.
func (s *Service) applyFailureTx(ctx context.Context, tx bun.Tx, txn *models.Transaction, mapped models.TransactionStatus) error {
	to := models.TicketCancelled
	if mapped == models.TransactionExpired {
		to = models.TicketExpired
	}
	if err := s.Store.UpdateTicketsStatusTx(ctx, tx, txn.ID, models.TicketPending, to, time.Time{}); err != nil {
		return err
	}

	restore := true
	if txn.ReservationID != "" {
		cancelled, err := s.Reservations.MarkCancelledTx(ctx, tx, txn.ReservationID)
		if err != nil {
			return err
		}
		// If the hold already expired, the sweeper released its
		// capacity; restoring again would double-release.
		restore = cancelled
	}
	if !restore {
		return nil
	}

	for _, item := range txn.OrderItems {
		if err := s.Ledger.RestoreOnFailureTx(ctx, tx, item.TicketTypeID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// deliverTickets runs the post-commit side effects of a successful
// settlement: QR generation and the delivery event. Best effort; a
// failure here never unwinds the committed state.
func (s *Service) deliverTickets(ctx context.Context, txn *models.Transaction) {
	tickets, err := s.Store.GetActiveTickets(ctx, txn.ID)
	if err != nil {
		s.Logger.Error("SETTLEMENT", fmt.Sprintf("failed to load tickets of %s for delivery: %v", txn.ID, err))
		return
	}

	event := models.TicketDeliveryEvent{
		TransactionID: txn.ID,
		EventID:       txn.EventID,
		InvoiceNumber: txn.InvoiceNumber,
		SettledAt:     time.Now(),
	}
	for i := range tickets {
		ticket := &tickets[i]
		if s.QR != nil {
			qr, err := s.QR.GenerateEncryptedQR(*ticket)
			if err != nil {
				s.Logger.Error("SETTLEMENT", fmt.Sprintf("QR generation failed for ticket %s: %v", ticket.ID, err))
			} else if err := s.Store.SaveTicketQRCode(ctx, ticket.ID, qr); err != nil {
				s.Logger.Error("SETTLEMENT", fmt.Sprintf("failed to store QR for ticket %s: %v", ticket.ID, err))
			}
		}
		event.Tickets = append(event.Tickets, ticket.ToDeliveryTicket())
	}

	if s.Delivery != nil {
		if err := s.Delivery.PublishTicketDelivery(ctx, event); err != nil {
			s.Logger.Error("SETTLEMENT", fmt.Sprintf("delivery publish failed for %s: %v", txn.ID, err))
		}
	}
}
