package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"vbtix/internal/auth"
	"vbtix/internal/checkout"
	"vbtix/internal/inventory"
	"vbtix/internal/logger"
	"vbtix/internal/reservation"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Reservations *reservation.Service
	Checkout     *checkout.Service
	Ledger       *inventory.Ledger
	Logger       *logger.Logger
}

func NewHandler(reservations *reservation.Service, co *checkout.Service, ledger *inventory.Ledger, log *logger.Logger) *Handler {
	return &Handler{
		Reservations: reservations,
		Checkout:     co,
		Ledger:       ledger,
		Logger:       log,
	}
}

type createReservationBody struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
	TTLMinutes   int    `json:"expiration_minutes,omitempty"`
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	buyer, err := auth.ResolveBuyer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var body createReservationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Reservations.Create(r.Context(), reservation.CreateRequest{
		TicketTypeID: body.TicketTypeID,
		Quantity:     body.Quantity,
		SessionID:    buyer.SessionID,
		TTLMinutes:   body.TTLMinutes,
	})
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateReservation: %v", err))
		h.writeReservationError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationId")

	res, err := h.Reservations.Get(r.Context(), id)
	if err != nil {
		h.writeReservationError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ActivateReservation(w http.ResponseWriter, r *http.Request) {
	buyer, err := auth.ResolveBuyer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "reservationId")
	res, err := h.Reservations.Activate(r.Context(), id, buyer.SessionID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("ActivateReservation: %s: %v", id, err))
		h.writeReservationError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	buyer, err := auth.ResolveBuyer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "reservationId")
	if err := h.Reservations.Cancel(r.Context(), id, buyer.SessionID); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CancelReservation: %s: %v", id, err))
		h.writeReservationError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	buyer, err := auth.ResolveBuyer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	list, err := h.Reservations.ListBySession(r.Context(), buyer.SessionID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("ListReservations: %v", err))
		http.Error(w, "Failed to list reservations", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketTypeId")

	availability, err := h.Ledger.Availability(r.Context(), id)
	if err != nil {
		if errors.Is(err, inventory.ErrTicketTypeNotFound) {
			http.Error(w, "Ticket type not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetAvailability: %s: %v", id, err))
		http.Error(w, "Failed to load availability", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, availability)
}

type reservationCheckoutBody struct {
	ReservationID string `json:"reservation_id"`
	PaymentMethod string `json:"payment_method"`
	Manual        bool   `json:"manual,omitempty"`
}

func (h *Handler) CheckoutReservation(w http.ResponseWriter, r *http.Request) {
	buyer, err := auth.ResolveBuyer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var body reservationCheckoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Checkout.FromReservation(r.Context(), checkout.ReservationCheckoutRequest{
		ReservationID: body.ReservationID,
		Buyer:         buyer,
		PaymentMethod: body.PaymentMethod,
		Manual:        body.Manual,
	})
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CheckoutReservation: %s: %v", body.ReservationID, err))
		h.writeCheckoutError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

type directCheckoutBody struct {
	EventID       string                      `json:"event_id"`
	Items         []checkout.OrderItemRequest `json:"items"`
	PaymentMethod string                      `json:"payment_method"`
	Manual        bool                        `json:"manual,omitempty"`
}

func (h *Handler) CheckoutDirect(w http.ResponseWriter, r *http.Request) {
	buyer, err := auth.ResolveBuyer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var body directCheckoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Checkout.Direct(r.Context(), checkout.DirectCheckoutRequest{
		EventID:       body.EventID,
		Items:         body.Items,
		Buyer:         buyer,
		PaymentMethod: body.PaymentMethod,
		Manual:        body.Manual,
	})
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CheckoutDirect: %v", err))
		h.writeCheckoutError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")

	txn, err := h.Checkout.Store.GetTransactionByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, checkout.ErrTransactionNotFound) {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetTransaction: %s: %v", id, err))
		http.Error(w, "Failed to load transaction", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}

func (h *Handler) writeReservationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrReservationNotFound):
		http.Error(w, "Reservation not found", http.StatusNotFound)
	case errors.Is(err, reservation.ErrOwnershipMismatch):
		http.Error(w, "Reservation belongs to a different session", http.StatusForbidden)
	case errors.Is(err, reservation.ErrReservationExpired):
		http.Error(w, "Reservation has expired", http.StatusGone)
	case errors.Is(err, reservation.ErrIllegalTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, inventory.ErrInsufficientInventory):
		http.Error(w, "Not enough tickets available", http.StatusConflict)
	case errors.Is(err, inventory.ErrExceedsMaxPerPurchase):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, inventory.ErrTicketTypeNotFound):
		http.Error(w, "Ticket type not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, err error) {
	// Checkout surfaces reservation and inventory failures with the
	// same taxonomy, plus its own double-checkout conflict.
	if errors.Is(err, checkout.ErrReservationInCheckout) {
		http.Error(w, "Reservation already has a checkout in flight", http.StatusConflict)
		return
	}
	h.writeReservationError(w, err)
}
