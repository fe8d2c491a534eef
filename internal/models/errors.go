package models

import "errors"

// Ledger failure kinds. Every operation surfaces exactly one of these per
// failing precondition so that callers can tell, say, a sold-out event from
// an authorization failure. Compare with errors.Is; layers above may wrap
// them with context but never replace them.
var (
	ErrInvalidTicketCount  = errors.New("total tickets must be positive")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrEventNotFound       = errors.New("event not found")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrSoldOut             = errors.New("event sold out")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransferFailed      = errors.New("value transfer failed")
	ErrUnauthorized        = errors.New("caller is not authorized")

	// ErrCorruptedReference means a ticket's event id did not resolve to an
	// existing event. Unreachable under the ledger's invariants; seeing it
	// means a write-back bug, not bad user input.
	ErrCorruptedReference = errors.New("ticket references a missing event")
)
