package domain

import "errors"

var (
	ErrInvalidWindow            = errors.New("invalid hold window")
	ErrTooSoon                  = errors.New("hold starts too soon")
	ErrTooFarAhead              = errors.New("hold starts too far ahead")
	ErrOverbookingRejected      = errors.New("overbooking rejected")
	ErrHoldExpired              = errors.New("hold expired")
	ErrInvalidTransition        = errors.New("invalid hold transition")
	ErrInvalidAgreement         = errors.New("invalid economic agreement")
	ErrCurrencyMismatch         = errors.New("currency mismatch")
	ErrLedgerWriteConflict      = errors.New("ledger write conflict")
	ErrHoldNotFound             = errors.New("hold not found")
	ErrHoldAlreadyConfirmed     = errors.New("hold already confirmed")
	ErrIdempotencyKeyRequired   = errors.New("idempotency key required")
	ErrIdempotencyKeyReuse      = errors.New("idempotency key reused with different parameters")
	ErrAppointmentNotFound      = errors.New("appointment not found")
	ErrAgreementNotFound        = errors.New("economic agreement not found")
	ErrInvalidSettings          = errors.New("invalid clinic hold settings")
	ErrInvalidLedgerEvent       = errors.New("invalid ledger event")
	ErrLockNotAcquired          = errors.New("lock not acquired")
	ErrInvalidScope             = errors.New("tenant and clinic are required")
	ErrIncompleteHold           = errors.New("hold request is missing required fields")
	ErrPaymentReferenceRequired = errors.New("payment transaction id required")
)
