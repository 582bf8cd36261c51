package settlement

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
	resdb "vbtix/internal/reservation/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type fixture struct {
	db         *bun.DB
	svc        *Service
	ledger     *inventory.Ledger
	ticketType *models.TicketType
	res        *models.Reservation
	txn        *models.Transaction
	payment    *models.Payment
}

// seed builds a PENDING transaction of 2 tickets backed by an ACTIVE
// reservation, with the reservation's capacity held in the ledger.
func seed(t *testing.T, gateway models.PaymentGateway, withReservation bool) *fixture {
	t.Helper()
	ctx := context.Background()

	sqldb, err := sql.Open(sqliteshim.ShimName, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, bunDB.ResetModel(ctx,
		(*models.TicketType)(nil),
		(*models.Reservation)(nil),
		(*models.Transaction)(nil),
		(*models.OrderItem)(nil),
		(*models.Ticket)(nil),
		(*models.Payment)(nil),
	))

	log := logger.NewLogger()
	ledger := inventory.NewLedger(bunDB, log, nil)
	store := &Store{Bun: bunDB}
	svc := NewService(store, ledger, &resdb.DB{Bun: bunDB}, nil, nil, log)

	tt := &models.TicketType{
		ID:             uuid.NewString(),
		EventID:        "event-1",
		Name:           "General Admission",
		Price:          45.0,
		Quantity:       10,
		Reserved:       2,
		MaxPerPurchase: 5,
	}
	_, err = bunDB.NewInsert().Model(tt).Exec(ctx)
	require.NoError(t, err)

	f := &fixture{db: bunDB, svc: svc, ledger: ledger, ticketType: tt}

	if withReservation {
		f.res = &models.Reservation{
			ID:           uuid.NewString(),
			TicketTypeID: tt.ID,
			Quantity:     2,
			SessionID:    "session-1",
			Status:       models.ReservationActive,
			ExpiresAt:    time.Now().Add(10 * time.Minute),
			CreatedAt:    time.Now(),
		}
		_, err = bunDB.NewInsert().Model(f.res).Exec(ctx)
		require.NoError(t, err)
	}

	f.txn = &models.Transaction{
		ID:            uuid.NewString(),
		SessionID:     "session-1",
		EventID:       "event-1",
		Amount:        90.0,
		Status:        models.TransactionPending,
		PaymentMethod: "card",
		InvoiceNumber: fmt.Sprintf("INV-%s", uuid.NewString()),
		CreatedAt:     time.Now(),
	}
	if f.res != nil {
		f.txn.ReservationID = f.res.ID
	}
	_, err = bunDB.NewInsert().Model(f.txn).Exec(ctx)
	require.NoError(t, err)

	item := &models.OrderItem{
		ID:            uuid.NewString(),
		TransactionID: f.txn.ID,
		TicketTypeID:  tt.ID,
		Quantity:      2,
		Price:         45.0,
	}
	_, err = bunDB.NewInsert().Model(item).Exec(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ticket := &models.Ticket{
			ID:              uuid.NewString(),
			TicketTypeID:    tt.ID,
			TransactionID:   f.txn.ID,
			Status:          models.TicketPending,
			PriceAtPurchase: 45.0,
		}
		_, err = bunDB.NewInsert().Model(ticket).Exec(ctx)
		require.NoError(t, err)
	}

	f.payment = &models.Payment{
		ID:            uuid.NewString(),
		TransactionID: f.txn.ID,
		Gateway:       gateway,
		Status:        models.PaymentPending,
		PaymentID:     "pi_" + uuid.NewString(),
		CreatedAt:     time.Now(),
	}
	_, err = bunDB.NewInsert().Model(f.payment).Exec(ctx)
	require.NoError(t, err)

	return f
}

func (f *fixture) reloadTicketType(t *testing.T) *models.TicketType {
	t.Helper()
	tt := new(models.TicketType)
	require.NoError(t, f.db.NewSelect().Model(tt).Where("id = ?", f.ticketType.ID).Scan(context.Background()))
	return tt
}

func (f *fixture) reloadTransaction(t *testing.T) *models.Transaction {
	t.Helper()
	txn := new(models.Transaction)
	require.NoError(t, f.db.NewSelect().Model(txn).Where("id = ?", f.txn.ID).Scan(context.Background()))
	return txn
}

func (f *fixture) reloadTickets(t *testing.T) []models.Ticket {
	t.Helper()
	var tickets []models.Ticket
	require.NoError(t, f.db.NewSelect().Model(&tickets).Where("transaction_id = ?", f.txn.ID).Scan(context.Background()))
	return tickets
}

func (f *fixture) reloadReservation(t *testing.T) *models.Reservation {
	t.Helper()
	res := new(models.Reservation)
	require.NoError(t, f.db.NewSelect().Model(res).Where("id = ?", f.res.ID).Scan(context.Background()))
	return res
}

// expireReservation simulates the sweeper winning before the callback:
// the hold latches to EXPIRED and its capacity goes back to the pool.
func (f *fixture) expireReservation(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	reservations := &resdb.DB{Bun: f.db}
	changed, err := reservations.MarkExpired(ctx, f.res.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, f.ledger.ReleaseReservedCapacity(ctx, f.ticketType.ID, f.res.Quantity))
}

func TestSuccessCallbackSettlesTransaction(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{"status":"succeeded"}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)
	assert.Equal(t, models.TransactionSuccess, result.Status)

	txn := f.reloadTransaction(t)
	assert.Equal(t, models.TransactionSuccess, txn.Status)
	assert.True(t, txn.InventoryFinalized)

	for _, ticket := range f.reloadTickets(t) {
		assert.Equal(t, models.TicketActive, ticket.Status)
		assert.False(t, ticket.IssuedAt.IsZero())
	}

	res := f.reloadReservation(t)
	assert.Equal(t, models.ReservationConverted, res.Status)
	assert.Equal(t, f.txn.ID, res.Metadata[models.MetadataTransactionID])

	tt := f.reloadTicketType(t)
	assert.Equal(t, 2, tt.Sold)
	assert.Equal(t, 0, tt.Reserved)
}

func TestDuplicateSuccessCallbackIsAbsorbed(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	_, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{}`))
	require.NoError(t, err)

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.False(t, result.Applied)

	// The ledger never double-counts the sale.
	tt := f.reloadTicketType(t)
	assert.Equal(t, 2, tt.Sold)
	assert.Equal(t, 0, tt.Reserved)
}

func TestConflictingCallbackAfterSettlementIsAbsorbed(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	_, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{}`))
	require.NoError(t, err)

	// A late failure for an already-settled transaction changes nothing.
	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "payment_failed", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, models.TransactionSuccess, result.Status)

	assert.Equal(t, models.TransactionSuccess, f.reloadTransaction(t).Status)
}

func TestFailureCallbackReleasesCapacity(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "payment_failed", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.TransactionFailed, result.Status)

	assert.Equal(t, models.TransactionFailed, f.reloadTransaction(t).Status)
	for _, ticket := range f.reloadTickets(t) {
		assert.Equal(t, models.TicketCancelled, ticket.Status)
	}
	assert.Equal(t, models.ReservationCancelled, f.reloadReservation(t).Status)

	tt := f.reloadTicketType(t)
	assert.Equal(t, 0, tt.Sold)
	assert.Equal(t, 0, tt.Reserved)
}

func TestFailureAfterExpirySkipsRelease(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	f.expireReservation(t)

	// The sweeper already released the hold; restoring again would
	// underflow the reserved counter.
	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "payment_failed", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	tt := f.reloadTicketType(t)
	assert.Equal(t, 0, tt.Reserved)
	assert.Equal(t, 0, tt.Sold)
	assert.Equal(t, models.ReservationExpired, f.reloadReservation(t).Status)
}

func TestSuccessAfterExpiryReacquiresCapacity(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	f.expireReservation(t)

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	tt := f.reloadTicketType(t)
	assert.Equal(t, 2, tt.Sold)
	assert.Equal(t, 0, tt.Reserved)

	// The reservation stays EXPIRED; the sale went through a fresh
	// acquisition, not a conversion.
	assert.Equal(t, models.ReservationExpired, f.reloadReservation(t).Status)
}

func TestSuccessAfterExpiryWithNoCapacityAborts(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	f.expireReservation(t)

	// Someone else bought out the released capacity in the meantime.
	_, err := f.db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("sold = ?", 10).
		Where("id = ?", f.ticketType.ID).
		Exec(ctx)
	require.NoError(t, err)

	_, err = f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrInsufficientInventory))

	// The whole settlement rolled back: transaction still PENDING,
	// tickets still PENDING.
	assert.Equal(t, models.TransactionPending, f.reloadTransaction(t).Status)
	for _, ticket := range f.reloadTickets(t) {
		assert.Equal(t, models.TicketPending, ticket.Status)
	}
}

func TestPendingCallbackKeepsTransactionOpen(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)
	ctx := context.Background()

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "processing", []byte(`{"status":"processing"}`))
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.False(t, result.Duplicate)

	assert.Equal(t, models.TransactionPending, f.reloadTransaction(t).Status)

	// The audit record still captured the delivery.
	payment := new(models.Payment)
	require.NoError(t, f.db.NewSelect().Model(payment).Where("id = ?", f.payment.ID).Scan(ctx))
	assert.Equal(t, models.PaymentPending, payment.Status)
	assert.NotEmpty(t, payment.CallbackPayload)
	assert.False(t, payment.ReceivedAt.IsZero())
}

func TestDirectCheckoutSettlementWithoutReservation(t *testing.T) {
	f := seed(t, models.GatewayStripe, false)
	ctx := context.Background()

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "succeeded", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	tt := f.reloadTicketType(t)
	assert.Equal(t, 2, tt.Sold)
	assert.Equal(t, 0, tt.Reserved)
}

func TestDirectCheckoutFailureRestoresCapacity(t *testing.T) {
	f := seed(t, models.GatewayStripe, false)
	ctx := context.Background()

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "canceled", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.TransactionExpired, result.Status)

	for _, ticket := range f.reloadTickets(t) {
		assert.Equal(t, models.TicketExpired, ticket.Status)
	}

	tt := f.reloadTicketType(t)
	assert.Equal(t, 0, tt.Sold)
	assert.Equal(t, 0, tt.Reserved)
}

func TestManualVerificationSettles(t *testing.T) {
	f := seed(t, models.GatewayManual, true)
	ctx := context.Background()

	result, err := f.svc.ApplyPaymentCallback(ctx, f.payment.PaymentID, "VERIFIED", []byte(`{"status":"VERIFIED"}`))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.TransactionSuccess, result.Status)

	assert.Equal(t, 2, f.reloadTicketType(t).Sold)
}

func TestUnknownPaymentReference(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)

	_, err := f.svc.ApplyPaymentCallback(context.Background(), "pi_never_created", "succeeded", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrPaymentNotFound))
}

func TestUnknownGatewayStatusRejected(t *testing.T) {
	f := seed(t, models.GatewayStripe, true)

	_, err := f.svc.ApplyPaymentCallback(context.Background(), f.payment.PaymentID, "mystery_status", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, models.TransactionPending, f.reloadTransaction(t).Status)
}
