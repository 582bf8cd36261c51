package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GenerateInvoiceNumber produces a unique, human-readable invoice
// number. Uniqueness is still enforced by the database constraint; the
// random suffix just makes collisions vanishingly rare.
func GenerateInvoiceNumber() string {
	now := time.Now()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("INV-%s-%06d", now.Format("20060102"), randomNum.Int64())
}

// GenerateManualPaymentReference produces the external reference for a
// manual/offline payment, taking the place of a gateway payment ID.
func GenerateManualPaymentReference() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999999))
	return fmt.Sprintf("man_%d_%09d", timestamp, randomNum.Int64())
}
