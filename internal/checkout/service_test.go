package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"
	"vbtix/internal/inventory"
	"vbtix/internal/logger"
	"vbtix/internal/models"
	"vbtix/internal/reservation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Get(ctx context.Context, id string) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reservation), args.Error(1)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateIntent(ctx context.Context, transactionID string, amount float64) (*PaymentIntent, error) {
	args := m.Called(ctx, transactionID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentIntent), args.Error(1)
}

func setupCheckout(t *testing.T) (*Service, *bun.DB, *mockResolver, *mockProvider) {
	t.Helper()
	ctx := context.Background()

	sqldb, err := sql.Open(sqliteshim.ShimName, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, bunDB.ResetModel(ctx,
		(*models.TicketType)(nil),
		(*models.Transaction)(nil),
		(*models.OrderItem)(nil),
		(*models.Ticket)(nil),
		(*models.Payment)(nil),
	))

	log := logger.NewLogger()
	resolver := new(mockResolver)
	provider := new(mockProvider)
	svc := NewService(&Store{Bun: bunDB}, inventory.NewLedger(bunDB, log, nil), resolver, provider, log)
	return svc, bunDB, resolver, provider
}

func insertTicketType(t *testing.T, db *bun.DB, quantity, sold, reserved int) *models.TicketType {
	t.Helper()
	tt := &models.TicketType{
		ID:             uuid.NewString(),
		EventID:        "event-1",
		Name:           "General Admission",
		Price:          45.0,
		Quantity:       quantity,
		Sold:           sold,
		Reserved:       reserved,
		MaxPerPurchase: 5,
	}
	_, err := db.NewInsert().Model(tt).Exec(context.Background())
	require.NoError(t, err)
	return tt
}

func activeReservation(ticketTypeID string, quantity int) *models.Reservation {
	return &models.Reservation{
		ID:           uuid.NewString(),
		TicketTypeID: ticketTypeID,
		Quantity:     quantity,
		SessionID:    "session-1",
		Status:       models.ReservationActive,
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}
}

func TestFromReservationCreatesPendingOrder(t *testing.T) {
	svc, db, resolver, provider := setupCheckout(t)
	ctx := context.Background()

	tt := insertTicketType(t, db, 10, 0, 2)
	res := activeReservation(tt.ID, 2)
	resolver.On("Get", mock.Anything, res.ID).Return(res, nil)
	provider.On("CreateIntent", mock.Anything, mock.Anything, 90.0).
		Return(&PaymentIntent{ID: "pi_test", ClientSecret: "pi_test_secret"}, nil)

	resp, err := svc.FromReservation(ctx, ReservationCheckoutRequest{
		ReservationID: res.ID,
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_test", resp.PaymentReference)
	assert.Equal(t, "pi_test_secret", resp.ClientSecret)
	assert.Equal(t, models.TransactionPending, resp.Transaction.Status)
	assert.Equal(t, res.ID, resp.Transaction.ReservationID)
	assert.Equal(t, 90.0, resp.Transaction.Amount)

	// The hold still carries the capacity; no ledger change here.
	reloaded := new(models.TicketType)
	require.NoError(t, db.NewSelect().Model(reloaded).Where("id = ?", tt.ID).Scan(ctx))
	assert.Equal(t, 2, reloaded.Reserved)
	assert.Equal(t, 0, reloaded.Sold)

	var tickets []models.Ticket
	require.NoError(t, db.NewSelect().Model(&tickets).Where("transaction_id = ?", resp.Transaction.ID).Scan(ctx))
	assert.Len(t, tickets, 2)
	for _, ticket := range tickets {
		assert.Equal(t, models.TicketPending, ticket.Status)
		assert.Equal(t, 45.0, ticket.PriceAtPurchase)
	}

	payment := new(models.Payment)
	require.NoError(t, db.NewSelect().Model(payment).Where("transaction_id = ?", resp.Transaction.ID).Scan(ctx))
	assert.Equal(t, models.GatewayStripe, payment.Gateway)
	assert.Equal(t, "pi_test", payment.PaymentID)
}

func TestFromReservationRejectsSecondCheckoutOfSameHold(t *testing.T) {
	svc, db, resolver, provider := setupCheckout(t)
	ctx := context.Background()

	tt := insertTicketType(t, db, 10, 0, 2)
	res := activeReservation(tt.ID, 2)
	resolver.On("Get", mock.Anything, res.ID).Return(res, nil)
	provider.On("CreateIntent", mock.Anything, mock.Anything, 90.0).
		Return(&PaymentIntent{ID: "pi_test", ClientSecret: "pi_test_secret"}, nil)

	req := ReservationCheckoutRequest{
		ReservationID: res.ID,
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	}
	_, err := svc.FromReservation(ctx, req)
	require.NoError(t, err)

	// The first checkout is still pending; a second one against the
	// same hold must be refused.
	_, err = svc.FromReservation(ctx, req)
	assert.True(t, errors.Is(err, ErrReservationInCheckout))

	count, err := db.NewSelect().
		Model((*models.Transaction)(nil)).
		Where("reservation_id = ?", res.ID).
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFromReservationAllowsRetryAfterFailedTransaction(t *testing.T) {
	svc, db, resolver, provider := setupCheckout(t)
	ctx := context.Background()

	tt := insertTicketType(t, db, 10, 0, 2)
	res := activeReservation(tt.ID, 2)
	resolver.On("Get", mock.Anything, res.ID).Return(res, nil)
	provider.On("CreateIntent", mock.Anything, mock.Anything, 90.0).
		Return(&PaymentIntent{ID: "pi_test_1", ClientSecret: "pi_test_secret"}, nil).Once()
	provider.On("CreateIntent", mock.Anything, mock.Anything, 90.0).
		Return(&PaymentIntent{ID: "pi_test_2", ClientSecret: "pi_test_secret"}, nil).Once()

	req := ReservationCheckoutRequest{
		ReservationID: res.ID,
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	}
	first, err := svc.FromReservation(ctx, req)
	require.NoError(t, err)

	// Settlement failed the first attempt; the hold is checkout-able
	// again as long as it still carries capacity.
	_, err = db.NewUpdate().
		Model((*models.Transaction)(nil)).
		Set("status = ?", models.TransactionFailed).
		Where("id = ?", first.Transaction.ID).
		Exec(ctx)
	require.NoError(t, err)

	_, err = svc.FromReservation(ctx, req)
	require.NoError(t, err)
}

func TestFromReservationRejectsForeignSession(t *testing.T) {
	svc, db, resolver, _ := setupCheckout(t)

	tt := insertTicketType(t, db, 10, 0, 2)
	res := activeReservation(tt.ID, 2)
	resolver.On("Get", mock.Anything, res.ID).Return(res, nil)

	_, err := svc.FromReservation(context.Background(), ReservationCheckoutRequest{
		ReservationID: res.ID,
		Buyer:         models.GuestBuyer("someone-else"),
		PaymentMethod: "card",
	})
	assert.True(t, errors.Is(err, reservation.ErrOwnershipMismatch))
}

func TestFromReservationRejectsExpiredHold(t *testing.T) {
	svc, db, resolver, _ := setupCheckout(t)

	tt := insertTicketType(t, db, 10, 0, 0)
	res := activeReservation(tt.ID, 2)
	res.Status = models.ReservationExpired
	resolver.On("Get", mock.Anything, res.ID).Return(res, nil)

	_, err := svc.FromReservation(context.Background(), ReservationCheckoutRequest{
		ReservationID: res.ID,
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	})
	assert.True(t, errors.Is(err, reservation.ErrReservationExpired))
}

func TestFromReservationRejectsConvertedHold(t *testing.T) {
	svc, db, resolver, _ := setupCheckout(t)

	tt := insertTicketType(t, db, 10, 2, 0)
	res := activeReservation(tt.ID, 2)
	res.Status = models.ReservationConverted
	resolver.On("Get", mock.Anything, res.ID).Return(res, nil)

	_, err := svc.FromReservation(context.Background(), ReservationCheckoutRequest{
		ReservationID: res.ID,
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be checked out")
}

func TestDirectCheckoutReservesCapacityInTx(t *testing.T) {
	svc, db, _, provider := setupCheckout(t)
	ctx := context.Background()

	tt := insertTicketType(t, db, 10, 0, 0)
	provider.On("CreateIntent", mock.Anything, mock.Anything, 135.0).
		Return(&PaymentIntent{ID: "pi_direct", ClientSecret: "secret"}, nil)

	resp, err := svc.Direct(ctx, DirectCheckoutRequest{
		EventID:       "event-1",
		Items:         []OrderItemRequest{{TicketTypeID: tt.ID, Quantity: 3}},
		Buyer:         models.AuthenticatedBuyer("user-1", "session-1"),
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", resp.Transaction.UserID)
	assert.Equal(t, 135.0, resp.Transaction.Amount)

	reloaded := new(models.TicketType)
	require.NoError(t, db.NewSelect().Model(reloaded).Where("id = ?", tt.ID).Scan(ctx))
	assert.Equal(t, 3, reloaded.Reserved)
}

func TestDirectCheckoutRollsBackOnInsufficientCapacity(t *testing.T) {
	svc, db, _, provider := setupCheckout(t)
	ctx := context.Background()

	tt := insertTicketType(t, db, 3, 2, 0)
	provider.On("CreateIntent", mock.Anything, mock.Anything, mock.Anything).
		Return(&PaymentIntent{ID: "pi_doomed", ClientSecret: "secret"}, nil)

	_, err := svc.Direct(ctx, DirectCheckoutRequest{
		EventID:       "event-1",
		Items:         []OrderItemRequest{{TicketTypeID: tt.ID, Quantity: 2}},
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	})
	assert.True(t, errors.Is(err, inventory.ErrInsufficientInventory))

	// Nothing of the aborted checkout survives.
	count, err := db.NewSelect().Model((*models.Transaction)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	reloaded := new(models.TicketType)
	require.NoError(t, db.NewSelect().Model(reloaded).Where("id = ?", tt.ID).Scan(ctx))
	assert.Equal(t, 0, reloaded.Reserved)
}

func TestDirectCheckoutRejectsUnknownTicketType(t *testing.T) {
	svc, _, _, _ := setupCheckout(t)

	_, err := svc.Direct(context.Background(), DirectCheckoutRequest{
		EventID:       "event-1",
		Items:         []OrderItemRequest{{TicketTypeID: uuid.NewString(), Quantity: 1}},
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	})
	assert.True(t, errors.Is(err, inventory.ErrTicketTypeNotFound))
}

func TestManualCheckoutSkipsGateway(t *testing.T) {
	svc, db, _, provider := setupCheckout(t)
	ctx := context.Background()

	tt := insertTicketType(t, db, 10, 0, 0)

	resp, err := svc.Direct(ctx, DirectCheckoutRequest{
		EventID:       "event-1",
		Items:         []OrderItemRequest{{TicketTypeID: tt.ID, Quantity: 1}},
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "bank_transfer",
		Manual:        true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.ClientSecret)
	assert.NotEmpty(t, resp.PaymentReference)
	assert.True(t, resp.Transaction.AwaitingManualVerification)

	payment := new(models.Payment)
	require.NoError(t, db.NewSelect().Model(payment).Where("transaction_id = ?", resp.Transaction.ID).Scan(ctx))
	assert.Equal(t, models.GatewayManual, payment.Gateway)

	provider.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckoutFailsWhenIntentCreationFails(t *testing.T) {
	svc, db, _, provider := setupCheckout(t)

	tt := insertTicketType(t, db, 10, 0, 0)
	provider.On("CreateIntent", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("gateway unavailable"))

	_, err := svc.Direct(context.Background(), DirectCheckoutRequest{
		EventID:       "event-1",
		Items:         []OrderItemRequest{{TicketTypeID: tt.ID, Quantity: 1}},
		Buyer:         models.GuestBuyer("session-1"),
		PaymentMethod: "card",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create payment intent")

	count, err := db.NewSelect().Model((*models.Transaction)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
