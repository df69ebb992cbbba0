package domain

import "errors"

var (
	ErrAccessDenied          = errors.New("access denied")
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrUninitialized         = errors.New("uninitialized")
	ErrAlreadyInitialized    = errors.New("already initialized")
	ErrUnexpectedCaller      = errors.New("unexpected caller")
	ErrNoActiveOperation     = errors.New("no active operation")
	ErrInsufficientRepayment = errors.New("insufficient repayment")
	ErrSlippage              = errors.New("slippage limit exceeded")
	ErrLengthMismatch        = errors.New("length mismatch")
	ErrExternalCallFailed    = errors.New("external call failed")

	ErrInvalidParams       = errors.New("invalid parameters")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReentrant           = errors.New("reentrant call")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrBadSignature        = errors.New("bad signature")
	ErrLockHeld            = errors.New("lock already held")
)
