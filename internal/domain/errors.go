package domain

import "errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrTicketsNotFound         = errors.New("one or more tickets not found")
	ErrTicketNotReserved       = errors.New("ticket is not reserved")
	ErrInvalidTicketTransition = errors.New("invalid ticket status transition")
	ErrCodeNotFound            = errors.New("promoter code not found")
	ErrCodeExpired             = errors.New("promoter code outside validity window")
	ErrCodeExhausted           = errors.New("promoter code usage limit reached")
	ErrOrderNotPaid            = errors.New("order is not paid")
	ErrOrderAlreadyPaid        = errors.New("order already paid")
	ErrNoPaymentOnOrder        = errors.New("order has no payment attached")
	ErrRefundRejected          = errors.New("refund rejected by provider")
	ErrProviderUnavailable     = errors.New("payment provider unavailable")
	ErrConsistencyViolation    = errors.New("order and ticket state diverged")
)
