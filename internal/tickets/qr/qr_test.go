package qr

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"vbtix/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	gen := NewQRGenerator("test-secret")

	claim := AdmissionClaim{
		TicketID:      "ticket-1",
		TicketTypeID:  "tt-1",
		TransactionID: "txn-1",
		Status:        models.TicketActive,
	}
	data, err := json.Marshal(claim)
	require.NoError(t, err)

	encrypted, err := encryptAES(data, gen.secret)
	require.NoError(t, err)

	decrypted, err := gen.DecryptQRData(encrypted)
	require.NoError(t, err)
	assert.Equal(t, claim, *decrypted)
}

func TestGenerateEncryptedQRProducesPNG(t *testing.T) {
	gen := NewQRGenerator("test-secret")

	png, err := gen.GenerateEncryptedQR(models.Ticket{
		ID:            "ticket-1",
		TicketTypeID:  "tt-1",
		TransactionID: "txn-1",
		Status:        models.TicketActive,
	})
	require.NoError(t, err)
	require.NotEmpty(t, png)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	gen := NewQRGenerator("test-secret")
	other := NewQRGenerator("different-secret")

	data, err := json.Marshal(AdmissionClaim{TicketID: "ticket-1"})
	require.NoError(t, err)
	encrypted, err := encryptAES(data, gen.secret)
	require.NoError(t, err)

	_, err = other.DecryptQRData(encrypted)
	assert.ErrorIs(t, err, ErrInvalidQRData)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	gen := NewQRGenerator("test-secret")

	_, err := gen.DecryptQRData("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidQRData)

	// Valid base64 but shorter than one AES block.
	short := base64.URLEncoding.EncodeToString([]byte("tiny"))
	_, err = gen.DecryptQRData(short)
	assert.ErrorIs(t, err, ErrInvalidQRData)
}
