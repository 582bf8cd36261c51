package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"vbtix/internal/models"

	"github.com/skip2/go-qrcode"
)

var ErrInvalidQRData = errors.New("invalid QR data")

// AdmissionClaim is what the QR actually encodes. Only what the gate
// scanner needs; the QR bytes on the ticket row stay out of it.
type AdmissionClaim struct {
	TicketID      string              `json:"ticket_id"`
	TicketTypeID  string              `json:"ticket_type_id"`
	TransactionID string              `json:"transaction_id"`
	Status        models.TicketStatus `json:"status"`
}

type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

func (q *QRGenerator) GenerateEncryptedQR(ticket models.Ticket) ([]byte, error) {
	claim := AdmissionClaim{
		TicketID:      ticket.ID,
		TicketTypeID:  ticket.TicketTypeID,
		TransactionID: ticket.TransactionID,
		Status:        ticket.Status,
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptAES(data, q.secret)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// DecryptQRData reverses the encoding for the check-in scanner: it
// takes the base64 ciphertext carried by the QR and returns the claim.
func (q *QRGenerator) DecryptQRData(encrypted string) (*AdmissionClaim, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, ErrInvalidQRData
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, ErrInvalidQRData
	}

	block, err := aes.NewCipher(q.secret)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	data := make([]byte, len(ciphertext)-aes.BlockSize)
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, ciphertext[aes.BlockSize:])

	var claim AdmissionClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, ErrInvalidQRData
	}
	return &claim, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
