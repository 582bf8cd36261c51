package settlement

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

// HandleStripeWebhook verifies a Stripe webhook request and feeds the
// relevant payment_intent events into the settlement pipeline. Events
// this service does not care about are acknowledged and dropped so
// Stripe stops retrying them.
func (s *Service) HandleStripeWebhook(r *http.Request, webhookSecret string) (*Result, error) {
	if webhookSecret == "" {
		s.Logger.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook payload: %v", err))
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	// Verify signature with API version mismatch tolerance
	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), webhookSecret, opts)
	if err != nil {
		var errorCategory, errorMessage string
		if stripeErr, ok := err.(*stripe.Error); ok {
			switch stripeErr.Code {
			case "signature_verification_failed":
				errorCategory = "validation"
				errorMessage = "Webhook signature verification failed"
			default:
				errorCategory = "processing"
				errorMessage = "Stripe API error"
			}
		} else {
			errorCategory = "validation"
			errorMessage = "Invalid webhook signature"
		}

		s.Logger.Error("WEBHOOK", fmt.Sprintf("%s: %v", errorMessage, err))
		return nil, &WebhookError{
			Category:      errorCategory,
			StatusCode:    http.StatusBadRequest,
			PublicError:   errorMessage,
			InternalError: fmt.Sprintf("%s: %v", errorMessage, err),
			OriginalErr:   err,
		}
	}

	s.Logger.Info("WEBHOOK", fmt.Sprintf("Processing Stripe webhook event: %s", event.Type))

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var paymentIntent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
			s.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to unmarshal payment intent: %v", err))
			return nil, &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusBadRequest,
				PublicError:   "Invalid event data",
				InternalError: fmt.Sprintf("Failed to unmarshal payment intent: %v", err),
				OriginalErr:   err,
			}
		}

		externalStatus := strings.TrimPrefix(string(event.Type), "payment_intent.")
		result, err := s.ApplyPaymentCallback(r.Context(), paymentIntent.ID, externalStatus, event.Data.Raw)
		if err != nil {
			s.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to settle payment %s: %v", paymentIntent.ID, err))
			return nil, &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Failed to process payment event",
				InternalError: fmt.Sprintf("Failed to settle payment %s: %v", paymentIntent.ID, err),
				OriginalErr:   err,
			}
		}

		s.Logger.Info("WEBHOOK", fmt.Sprintf("Settled payment %s as %s (duplicate=%t)", paymentIntent.ID, result.Status, result.Duplicate))
		return result, nil

	default:
		s.Logger.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
		return nil, nil
	}
}
