package core

import "errors"

// Error taxonomy for the engine. Every error aborts the whole enclosing call
// (single operation, or batch in atomic mode) and leaves the ledger
// unchanged; callers observe a machine-readable code via ErrorCode.
var (
	ErrUnauthorized        = errors.New("caller lacks required role")
	ErrMarketNotFound      = errors.New("market not registered")
	ErrMarketExists        = errors.New("market already registered")
	ErrInsufficientFunding = errors.New("insufficient funding balance")
	ErrInsufficientTrading = errors.New("insufficient trading balance")
	ErrInsufficientReserve = errors.New("insufficient funding-fee reserve")
	ErrInvalidAmount       = errors.New("amount is zero or out of range")
	ErrMarketInsolvency    = errors.New("close would exceed available coverage")
	ErrUnknownOperation    = errors.New("operation not allowed in this batch mode")
	ErrWithdrawalLocked    = errors.New("withdrawal delay has not elapsed")
	ErrOutOfOrder          = errors.New("source sequence behind partition cursor")
	ErrSequenceGap         = errors.New("source sequence ahead of partition cursor")
)

// ErrorCode maps an engine error to its stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrMarketNotFound):
		return "MARKET_NOT_FOUND"
	case errors.Is(err, ErrMarketExists):
		return "MARKET_EXISTS"
	case errors.Is(err, ErrInsufficientFunding):
		return "INSUFFICIENT_FUNDING"
	case errors.Is(err, ErrInsufficientTrading):
		return "INSUFFICIENT_TRADING"
	case errors.Is(err, ErrInsufficientReserve):
		return "INSUFFICIENT_RESERVE"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrMarketInsolvency):
		return "MARKET_INSOLVENCY"
	case errors.Is(err, ErrUnknownOperation):
		return "UNKNOWN_OPERATION"
	case errors.Is(err, ErrWithdrawalLocked):
		return "WITHDRAWAL_LOCKED"
	case errors.Is(err, ErrOutOfOrder):
		return "OUT_OF_ORDER"
	case errors.Is(err, ErrSequenceGap):
		return "SEQUENCE_GAP"
	default:
		return "INTERNAL"
	}
}
