package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidParams       = errors.New("invalid parameters")
	ErrInvalidMarketState  = errors.New("invalid market state")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidOutcome      = errors.New("invalid outcome")
	ErrInvalidConfidence   = errors.New("confidence must be between 0 and 100")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInsufficientStake   = errors.New("insufficient stake")
	ErrFundsLocked         = errors.New("funds locked")
	ErrAgentInactive       = errors.New("agent inactive")
	ErrNoValidPredictions  = errors.New("no valid predictions")
	ErrChallengeRejected   = errors.New("challenge rejected")
	ErrAlreadyClaimed      = errors.New("already claimed")
	ErrAlreadySettled      = errors.New("already settled")
	ErrDeadlineNotReached  = errors.New("deadline not reached")
	ErrDeadlineElapsed     = errors.New("deadline elapsed")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrMarketHalted        = errors.New("market halted")
	ErrRecordFrozen        = errors.New("resolution record frozen")
	ErrManualNotRequired   = errors.New("manual resolution not required")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrAnalysisUnavailable = errors.New("analysis unavailable")
)
