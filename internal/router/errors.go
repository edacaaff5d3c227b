package router

import "errors"

var (
	// ErrPaused rejects routing while the pause switch is set. Paused
	// deliveries are retried by the transport, not bounced.
	ErrPaused = errors.New("routing paused")

	// ErrValidation covers zero addresses, empty names, duplicate
	// registrations and malformed forwards. Rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds fails a settlement whose post-netting shortfall
	// exceeds the promised amount plus tip.
	ErrInsufficientFunds = errors.New("insufficient amount to cover costs after tip")

	// ErrNoAssociation means the token registry has no binding for the
	// asset and chain in question.
	ErrNoAssociation = errors.New("no token association")

	// ErrNoLedger means no peer ledger is registered for the chain.
	ErrNoLedger = errors.New("no ledger registered for chain")

	// ErrUntrustedSender rejects forwards whose origin is not the ledger
	// registered for the origin chain.
	ErrUntrustedSender = errors.New("sender is not a registered ledger")
)
