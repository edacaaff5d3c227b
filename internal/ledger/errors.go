package ledger

import "errors"

var (
	// ErrPaused gates intent intake and fulfillment. Settlement delivery is
	// never paused: escrowed value must always be able to land.
	ErrPaused = errors.New("intake paused")

	ErrValidation       = errors.New("validation failed")
	ErrAlreadyFulfilled = errors.New("fulfillment already recorded")
	ErrAlreadySettled   = errors.New("settlement already recorded")

	// ErrUntrustedSender rejects settlement callbacks whose provenance does
	// not match the registered router.
	ErrUntrustedSender = errors.New("sender is not the registered router")

	ErrNoRouter = errors.New("no router registered")
)
