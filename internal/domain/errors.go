package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSigningFailed    = errors.New("signing failed")
	ErrLockHeld         = errors.New("lock already held")
	ErrPositionActive   = errors.New("asset already has an active position")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrInvalidMint      = errors.New("invalid mint address")
	ErrInvalidPosition  = errors.New("invalid position parameters")
	ErrClosed           = errors.New("position closed")
)
