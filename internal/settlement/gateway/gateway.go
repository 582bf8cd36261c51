package gateway

import (
	"errors"
	"fmt"
	"vbtix/internal/models"
)

// ErrUnknownStatus means a callback carried a status string outside
// the gateway's known vocabulary. Likely an integration bug, not a
// transient failure.
var ErrUnknownStatus = errors.New("unknown gateway status")

// stripeStatuses translates the Stripe PaymentIntent vocabulary into
// the internal taxonomy. Everything that means "still collecting" maps
// to PENDING so the reconciler leaves the transaction open.
var stripeStatuses = map[string]models.TransactionStatus{
	"succeeded":               models.TransactionSuccess,
	"processing":              models.TransactionPending,
	"requires_action":         models.TransactionPending,
	"requires_confirmation":   models.TransactionPending,
	"requires_capture":        models.TransactionPending,
	"requires_payment_method": models.TransactionPending,
	"payment_failed":          models.TransactionFailed,
	"canceled":                models.TransactionExpired,
}

// manualStatuses is the vocabulary of the offline/manual payment mode,
// driven by an admin verification action instead of a gateway.
var manualStatuses = map[string]models.TransactionStatus{
	"VERIFIED": models.TransactionSuccess,
	"PAID":     models.TransactionSuccess,
	"REJECTED": models.TransactionFailed,
	"AWAITING": models.TransactionPending,
	"EXPIRED":  models.TransactionExpired,
	"REFUNDED": models.TransactionRefunded,
}

var vocabularies = map[models.PaymentGateway]map[string]models.TransactionStatus{
	models.GatewayStripe: stripeStatuses,
	models.GatewayManual: manualStatuses,
}

// MapStatus translates a gateway-specific status string into the
// internal transaction status taxonomy.
func MapStatus(g models.PaymentGateway, external string) (models.TransactionStatus, error) {
	vocabulary, ok := vocabularies[g]
	if !ok {
		return "", fmt.Errorf("%w: unsupported gateway %q", ErrUnknownStatus, g)
	}
	status, ok := vocabulary[external]
	if !ok {
		return "", fmt.Errorf("%w: %q for gateway %q", ErrUnknownStatus, external, g)
	}
	return status, nil
}

// PaymentStatusFor mirrors a transaction status onto the payment audit
// record's own status field.
func PaymentStatusFor(status models.TransactionStatus) models.PaymentStatus {
	switch status {
	case models.TransactionSuccess:
		return models.PaymentSuccess
	case models.TransactionFailed:
		return models.PaymentFailed
	case models.TransactionExpired:
		return models.PaymentExpired
	case models.TransactionRefunded:
		return models.PaymentRefunded
	default:
		return models.PaymentPending
	}
}
