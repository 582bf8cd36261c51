package models

// BuyerKind distinguishes authenticated buyers from anonymous guest
// sessions. Guests never get a materialized user row; the session ID
// is their identity for ownership checks.
type BuyerKind string

const (
	BuyerUser  BuyerKind = "user"
	BuyerGuest BuyerKind = "guest"
)

// Buyer is the domain-level identity behind a reservation or checkout.
// It is translated to concrete user_id/session_id columns only at the
// persistence boundary.
type Buyer struct {
	Kind      BuyerKind `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id"`
}

// AuthenticatedBuyer builds a Buyer for a logged-in user. The session
// ID still participates in reservation ownership so a user's holds
// survive across devices only within one checkout session.
func AuthenticatedBuyer(userID, sessionID string) Buyer {
	return Buyer{Kind: BuyerUser, UserID: userID, SessionID: sessionID}
}

// GuestBuyer builds a Buyer identified only by its session.
func GuestBuyer(sessionID string) Buyer {
	return Buyer{Kind: BuyerGuest, SessionID: sessionID}
}
