package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"
	"vbtix/internal/inventory"
	"vbtix/internal/logger"
	"vbtix/internal/models"
	"vbtix/internal/reservation"
	"vbtix/internal/utils"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// PaymentIntent is the gateway-side handle handed back to the buyer so
// the frontend can collect payment.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// PaymentProvider creates gateway payment intents for card checkouts.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, transactionID string, amount float64) (*PaymentIntent, error)
}

// ReservationResolver is the slice of the reservation service the
// checkout flow needs: lookup with lazy expiry applied.
type ReservationResolver interface {
	Get(ctx context.Context, id string) (*models.Reservation, error)
}

// InventoryLedger acquires capacity for direct (non-reservation)
// checkouts inside the checkout transaction.
type InventoryLedger interface {
	TryReserveTx(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) error
	Invalidate(ctx context.Context, ticketTypeID string)
}

type Service struct {
	Store    *Store
	Ledger   InventoryLedger
	Resolver ReservationResolver
	Provider PaymentProvider
	Logger   *logger.Logger
}

func NewService(store *Store, ledger InventoryLedger, resolver ReservationResolver, provider PaymentProvider, log *logger.Logger) *Service {
	return &Service{Store: store, Ledger: ledger, Resolver: resolver, Provider: provider, Logger: log}
}

type OrderItemRequest struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

type ReservationCheckoutRequest struct {
	ReservationID string       `json:"reservation_id"`
	Buyer         models.Buyer `json:"buyer"`
	PaymentMethod string       `json:"payment_method"`
	Manual        bool         `json:"manual,omitempty"`
}

type DirectCheckoutRequest struct {
	EventID       string             `json:"event_id"`
	Items         []OrderItemRequest `json:"items"`
	Buyer         models.Buyer       `json:"buyer"`
	PaymentMethod string             `json:"payment_method"`
	Manual        bool               `json:"manual,omitempty"`
}

// CheckoutResponse carries everything the API layer returns: the
// pending transaction plus the payment handle (client secret for card
// payments, the manual reference for offline ones).
type CheckoutResponse struct {
	Transaction      *models.Transaction `json:"transaction"`
	PaymentReference string              `json:"payment_reference"`
	ClientSecret     string              `json:"client_secret,omitempty"`
}

// FromReservation initiates checkout against an existing hold. The
// hold keeps carrying the capacity until settlement finalizes or
// releases it, so no ledger mutation happens here.
func (s *Service) FromReservation(ctx context.Context, req ReservationCheckoutRequest) (*CheckoutResponse, error) {
	res, err := s.Resolver.Get(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if res.SessionID != req.Buyer.SessionID {
		return nil, reservation.ErrOwnershipMismatch
	}
	if res.Status == models.ReservationExpired {
		return nil, reservation.ErrReservationExpired
	}
	if !res.Status.HoldsCapacity() {
		return nil, fmt.Errorf("reservation %s is %s and cannot be checked out", res.ID, res.Status)
	}

	tt, err := s.Store.GetTicketType(ctx, res.TicketTypeID)
	if err != nil {
		return nil, err
	}
	if tt == nil {
		return nil, inventory.ErrTicketTypeNotFound
	}

	txn := s.newTransaction(req.Buyer, tt.EventID, req.PaymentMethod, req.Manual)
	txn.ReservationID = res.ID
	txn.Amount = tt.Price * float64(res.Quantity)

	items := []*models.OrderItem{{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		TicketTypeID:  tt.ID,
		Quantity:      res.Quantity,
		Price:         tt.Price,
	}}

	return s.finishCheckout(ctx, txn, items, nil)
}

// Direct initiates checkout without a prior reservation. Capacity is
// acquired inside the same transaction that writes the order, so a
// failed capacity check leaves nothing behind.
func (s *Service) Direct(ctx context.Context, req DirectCheckoutRequest) (*CheckoutResponse, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("checkout requires at least one order item")
	}

	txn := s.newTransaction(req.Buyer, req.EventID, req.PaymentMethod, req.Manual)

	items := make([]*models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d for ticket type %s", item.Quantity, item.TicketTypeID)
		}
		tt, err := s.Store.GetTicketType(ctx, item.TicketTypeID)
		if err != nil {
			return nil, err
		}
		if tt == nil {
			return nil, inventory.ErrTicketTypeNotFound
		}
		txn.Amount += tt.Price * float64(item.Quantity)
		items = append(items, &models.OrderItem{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			TicketTypeID:  tt.ID,
			Quantity:      item.Quantity,
			Price:         tt.Price,
		})
	}

	reserve := func(ctx context.Context, tx bun.IDB) error {
		for _, item := range items {
			if err := s.Ledger.TryReserveTx(ctx, tx, item.TicketTypeID, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	}

	return s.finishCheckout(ctx, txn, items, reserve)
}

func (s *Service) newTransaction(buyer models.Buyer, eventID, paymentMethod string, manual bool) *models.Transaction {
	txn := &models.Transaction{
		ID:            uuid.NewString(),
		EventID:       eventID,
		Status:        models.TransactionPending,
		PaymentMethod: paymentMethod,
		InvoiceNumber: utils.GenerateInvoiceNumber(),
		CreatedAt:     time.Now(),

		AwaitingManualVerification: manual,
	}
	// Guests never get a user row; the session is their identity.
	txn.SessionID = buyer.SessionID
	if buyer.Kind == models.BuyerUser {
		txn.UserID = buyer.UserID
	}
	return txn
}

// finishCheckout creates the gateway intent (or manual reference),
// then writes the whole aggregate in one transaction, running the
// optional capacity acquisition first.
func (s *Service) finishCheckout(ctx context.Context, txn *models.Transaction, items []*models.OrderItem, reserve func(context.Context, bun.IDB) error) (*CheckoutResponse, error) {
	payment := &models.Payment{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		Status:        models.PaymentPending,
		CreatedAt:     time.Now(),
	}

	clientSecret := ""
	if txn.AwaitingManualVerification {
		payment.Gateway = models.GatewayManual
		payment.PaymentID = utils.GenerateManualPaymentReference()
	} else {
		payment.Gateway = models.GatewayStripe
		intent, err := s.Provider.CreateIntent(ctx, txn.ID, txn.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to create payment intent: %w", err)
		}
		payment.PaymentID = intent.ID
		clientSecret = intent.ClientSecret
	}

	tickets := buildPendingTickets(txn.ID, items)

	err := s.Store.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if txn.ReservationID != "" {
			// One open checkout per hold: a second PENDING transaction
			// against the same reservation would double-spend its
			// capacity at settlement.
			open, err := s.Store.HasOpenTransactionForReservation(ctx, tx, txn.ReservationID)
			if err != nil {
				return err
			}
			if open {
				return fmt.Errorf("%w: reservation %s", ErrReservationInCheckout, txn.ReservationID)
			}
		}
		if reserve != nil {
			if err := reserve(ctx, tx); err != nil {
				return err
			}
		}
		return s.Store.InsertOrderTx(ctx, tx, txn, items, tickets, payment)
	})
	if err != nil {
		if payment.Gateway == models.GatewayStripe {
			// The intent exists at the gateway but nothing references it
			// locally; it expires unconfirmed on the gateway side.
			s.Logger.Warn("CHECKOUT", fmt.Sprintf("orphaned payment intent %s after failed checkout: %v", payment.PaymentID, err))
		}
		return nil, err
	}

	if reserve != nil {
		// Direct checkout moved the reserved counter; drop the cached
		// availability now that the transaction is committed.
		for _, item := range items {
			s.Ledger.Invalidate(ctx, item.TicketTypeID)
		}
	}

	s.Logger.LogSettlement("CHECKOUT", txn.ID, fmt.Sprintf("created %s order, amount %.2f, payment %s via %s", txn.InvoiceNumber, txn.Amount, payment.PaymentID, payment.Gateway))
	txn.OrderItems = items
	return &CheckoutResponse{
		Transaction:      txn,
		PaymentReference: payment.PaymentID,
		ClientSecret:     clientSecret,
	}, nil
}

func buildPendingTickets(transactionID string, items []*models.OrderItem) []*models.Ticket {
	var tickets []*models.Ticket
	for _, item := range items {
		for i := 0; i < item.Quantity; i++ {
			tickets = append(tickets, &models.Ticket{
				ID:              uuid.NewString(),
				TicketTypeID:    item.TicketTypeID,
				TransactionID:   transactionID,
				Status:          models.TicketPending,
				PriceAtPurchase: item.Price,
			})
		}
	}
	return tickets
}
