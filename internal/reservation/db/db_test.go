package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"
	"vbtix/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, bunDB.ResetModel(context.Background(), (*models.Reservation)(nil)))

	return &DB{Bun: bunDB}
}

func newReservation(status models.ReservationStatus, expiresAt time.Time) models.Reservation {
	return models.Reservation{
		ID:           uuid.NewString(),
		TicketTypeID: "tt-1",
		Quantity:     2,
		SessionID:    "session-1",
		Status:       status,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}
}

func TestCreateAndGetReservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := newReservation(models.ReservationPending, time.Now().Add(10*time.Minute))
	require.NoError(t, db.CreateReservation(ctx, res))

	got, err := db.GetReservationByID(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, models.ReservationPending, got.Status)
	assert.Equal(t, 2, got.Quantity)
}

func TestGetReservationMissing(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetReservationByID(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestActivateLatchFiresOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := newReservation(models.ReservationPending, time.Now().Add(10*time.Minute))
	require.NoError(t, db.CreateReservation(ctx, res))

	first, err := db.ActivateReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, first)

	// Second attempt finds the reservation no longer PENDING.
	second, err := db.ActivateReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestMarkExpiredOnlyFromCapacityHoldingStates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := newReservation(models.ReservationActive, time.Now().Add(-time.Minute))
	require.NoError(t, db.CreateReservation(ctx, res))

	expired, err := db.MarkExpired(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	// Terminal states never latch again.
	expired, err = db.MarkExpired(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	cancelled, err := db.MarkCancelled(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestConvertRecordsTransactionID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res := newReservation(models.ReservationActive, time.Now().Add(10*time.Minute))
	require.NoError(t, db.CreateReservation(ctx, res))

	err := db.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		converted, err := db.ConvertReservationTx(ctx, tx, &res, "txn-42")
		require.NoError(t, err)
		assert.True(t, converted)
		return nil
	})
	require.NoError(t, err)

	got, err := db.GetReservationByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConverted, got.Status)
	assert.Equal(t, "txn-42", got.Metadata[models.MetadataTransactionID])
}

func TestGetStaleReservations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stalePending := newReservation(models.ReservationPending, time.Now().Add(-2*time.Minute))
	staleActive := newReservation(models.ReservationActive, time.Now().Add(-time.Minute))
	fresh := newReservation(models.ReservationPending, time.Now().Add(10*time.Minute))
	converted := newReservation(models.ReservationConverted, time.Now().Add(-time.Hour))

	for _, r := range []models.Reservation{stalePending, staleActive, fresh, converted} {
		require.NoError(t, db.CreateReservation(ctx, r))
	}

	stale, err := db.GetStaleReservations(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	// Oldest expiry first.
	assert.Equal(t, stalePending.ID, stale[0].ID)
	assert.Equal(t, staleActive.ID, stale[1].ID)
}

func TestGetReservationsBySession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	mine := newReservation(models.ReservationPending, time.Now().Add(10*time.Minute))
	other := newReservation(models.ReservationPending, time.Now().Add(10*time.Minute))
	other.SessionID = "session-2"

	require.NoError(t, db.CreateReservation(ctx, mine))
	require.NoError(t, db.CreateReservation(ctx, other))

	list, err := db.GetReservationsBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)
}
