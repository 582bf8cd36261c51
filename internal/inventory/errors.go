package inventory

import "errors"

var (
	// ErrInsufficientInventory means the requested quantity exceeds the
	// remaining capacity. Recoverable by the caller with a smaller
	// quantity or a different ticket type; never retried internally.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrExceedsMaxPerPurchase means the request violates the ticket
	// type's per-purchase cap.
	ErrExceedsMaxPerPurchase = errors.New("quantity exceeds max per purchase")

	// ErrTicketTypeNotFound means no live ticket type row matched.
	ErrTicketTypeNotFound = errors.New("ticket type not found")

	// ErrInventoryUnderflow means a release would drive the reserved
	// counter negative. That signals a double-release bug upstream, so
	// the mutating transaction is aborted instead of clamping silently.
	ErrInventoryUnderflow = errors.New("inventory counter underflow")
)
