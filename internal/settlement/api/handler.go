package api

import (
	"errors"
	"fmt"
	"net/http"

	"vbtix/internal/logger"
	"vbtix/internal/settlement"
	"vbtix/internal/utils"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Settlement    *settlement.Service
	WebhookSecret string
	Logger        *logger.Logger
}

func NewHandler(svc *settlement.Service, webhookSecret string, log *logger.Logger) *Handler {
	return &Handler{Settlement: svc, WebhookSecret: webhookSecret, Logger: log}
}

// StripeWebhook receives payment_intent events from Stripe.
func (h *Handler) StripeWebhook(c *gin.Context) {
	result, err := h.Settlement.HandleStripeWebhook(c.Request, h.WebhookSecret)
	if err != nil {
		var webhookErr *settlement.WebhookError
		if errors.As(err, &webhookErr) {
			h.Logger.Info("API", fmt.Sprintf("StripeWebhook: handling webhook error category=%s, status=%d",
				webhookErr.Category, webhookErr.StatusCode))
			c.JSON(webhookErr.StatusCode, utils.ErrorResponse("Webhook processing failed", webhookErr.PublicError))
			return
		}
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Webhook processing failed", "Webhook processing error"))
		return
	}

	if result == nil {
		// Event type we do not handle; acknowledge so Stripe stops retrying.
		c.JSON(http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Webhook processed", result))
}

type manualVerifyRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// VerifyManualPayment is the admin action for offline payment modes:
// bank transfers, cash at the door. The admin asserts the outcome and
// the settlement pipeline applies it with the same idempotency rules
// as a gateway callback.
func (h *Handler) VerifyManualPayment(c *gin.Context) {
	reference := c.Param("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request", "payment reference is required"))
		return
	}

	var req manualVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	payload := []byte(fmt.Sprintf(`{"status":%q,"note":%q,"verified_by":%q}`, req.Status, req.Note, c.GetString("user_id")))
	result, err := h.Settlement.ApplyPaymentCallback(c.Request.Context(), reference, req.Status, payload)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, utils.ErrorResponse("Payment not found", err.Error()))
		default:
			h.Logger.Error("API", fmt.Sprintf("VerifyManualPayment: %v", err))
			c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Failed to apply verification", err.Error()))
		}
		return
	}

	c.JSON(http.StatusOK, utils.SuccessResponse("Verification applied", result))
}

// GetPayment returns the audit record for one payment reference.
func (h *Handler) GetPayment(c *gin.Context) {
	reference := c.Param("reference")
	payment, err := h.Settlement.Store.GetPaymentByReference(c.Request.Context(), reference)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Failed to load payment", err.Error()))
		return
	}
	if payment == nil {
		c.JSON(http.StatusNotFound, utils.ErrorResponse("Payment not found", reference))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Payment", payment))
}
