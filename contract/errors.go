package contract

import "errors"

var (
	// ErrNotFound is returned when no contract row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrDuplicateNumber signals the contract number is already taken.
	ErrDuplicateNumber = errors.New("contract: duplicate contract number")
	// ErrVersionConflict signals the optimistic-concurrency token was stale.
	ErrVersionConflict = errors.New("contract: version conflict")
	// ErrUnknownStateCode signals a provider status code outside the known set.
	// The contract is flagged for manual review, never coerced.
	ErrUnknownStateCode = errors.New("contract: unknown state code")
	// ErrStaleEvent signals an out-of-order event that would move state
	// backward. It is discarded and logged, not applied.
	ErrStaleEvent = errors.New("contract: stale event")
	// ErrIllegalTransition signals an event with no legal row in the
	// transition table for the current state.
	ErrIllegalTransition = errors.New("contract: illegal transition")
	// ErrInvalidChainDelete signals an attempt to delete a contract that is
	// not the tail of its replacement chain.
	ErrInvalidChainDelete = errors.New("contract: only the chain tail may be deleted")
	// ErrChainIntegrity signals a cycle or broken link in a replacement chain.
	ErrChainIntegrity = errors.New("contract: replacement chain integrity violation")
	// ErrChainWrite signals the replacement transaction failed and rolled back.
	ErrChainWrite = errors.New("contract: chain write failure")
)
