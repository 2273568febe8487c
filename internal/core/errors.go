package core

import "errors"

// Operation errors, grouped by taxonomy class. Every error rejects the
// whole operation synchronously with no state change; nothing is retried
// internally.
var (
	// Input validation
	ErrZeroAmount       = errors.New("zero amount")
	ErrInvalidPair      = errors.New("invalid index/collateral pair")
	ErrUnknownToken     = errors.New("unknown token")
	ErrUnknownTranche   = errors.New("unknown tranche")
	ErrPositionNotFound = errors.New("position not found")
	ErrSameToken        = errors.New("swap tokens must differ")
	ErrTokenDelisted    = errors.New("token is delisted")

	// Economic / slippage
	ErrSlippage                = errors.New("output below minimum")
	ErrLeverage                = errors.New("leverage out of bounds")
	ErrLowCollateral           = errors.New("fees exceed collateral")
	ErrUpdateCausesLiquidation = errors.New("update would leave position liquidatable")
	ErrNotLiquidatable         = errors.New("position not eligible for liquidation")

	// Authorization
	ErrUnauthorized = errors.New("caller not authorized")

	// Concurrency
	ErrReentrancy = errors.New("ledger re-entered during operation")
)
