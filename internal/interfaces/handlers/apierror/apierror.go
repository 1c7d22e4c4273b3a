// Package apierror maps domain errors onto HTTP responses.
package apierror

import (
	"context"
	"errors"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/gateway"
	"clinic-backend/internal/middleware"
	"clinic-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type mapping struct {
	err    error
	status int
	code   string
}

var table = []mapping{
	{domain.ErrIdempotencyKeyRequired, fiber.StatusBadRequest, "idempotency_key_required"},
	{domain.ErrIncompleteHold, fiber.StatusBadRequest, "incomplete_hold"},
	{domain.ErrPaymentReferenceRequired, fiber.StatusBadRequest, "payment_reference_required"},
	{domain.ErrInvalidScope, fiber.StatusBadRequest, "invalid_scope"},
	{domain.ErrInvalidLedgerEvent, fiber.StatusBadRequest, "invalid_ledger_event"},
	{domain.ErrInvalidWindow, fiber.StatusUnprocessableEntity, "invalid_window"},
	{domain.ErrTooSoon, fiber.StatusUnprocessableEntity, "too_soon"},
	{domain.ErrTooFarAhead, fiber.StatusUnprocessableEntity, "too_far_ahead"},
	{domain.ErrInvalidAgreement, fiber.StatusUnprocessableEntity, "invalid_agreement"},
	{domain.ErrCurrencyMismatch, fiber.StatusUnprocessableEntity, "currency_mismatch"},
	{domain.ErrInvalidSettings, fiber.StatusUnprocessableEntity, "invalid_settings"},
	{domain.ErrHoldNotFound, fiber.StatusNotFound, "hold_not_found"},
	{domain.ErrAppointmentNotFound, fiber.StatusNotFound, "appointment_not_found"},
	{domain.ErrAgreementNotFound, fiber.StatusNotFound, "agreement_not_found"},
	{gateway.ErrTransactionNotFound, fiber.StatusNotFound, "payment_not_found"},
	{domain.ErrOverbookingRejected, fiber.StatusConflict, "overbooking_rejected"},
	{domain.ErrInvalidTransition, fiber.StatusConflict, "invalid_transition"},
	{domain.ErrHoldAlreadyConfirmed, fiber.StatusConflict, "hold_already_confirmed"},
	{domain.ErrIdempotencyKeyReuse, fiber.StatusConflict, "idempotency_key_reuse"},
	{domain.ErrLedgerWriteConflict, fiber.StatusConflict, "ledger_write_conflict"},
	{domain.ErrHoldExpired, fiber.StatusGone, "hold_expired"},
	{domain.ErrLockNotAcquired, fiber.StatusServiceUnavailable, "lock_not_acquired"},
	{context.DeadlineExceeded, fiber.StatusGatewayTimeout, "timeout"},
}

// Status returns the HTTP status and error code for err; unknown errors are 500.
func Status(err error) (int, string) {
	for _, m := range table {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return fiber.StatusInternalServerError, "internal"
}

// Write sends the standard error body for err. Internal errors are logged and not echoed.
func Write(c *fiber.Ctx, err error) error {
	status, code := Status(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("trace_id", middleware.GetTraceID(c)).Str("path", c.Path()).Msg("request failed")
		message = "Internal Server Error"
	}
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return response.ErrorWithCode(c, message, code, status, nil)
}
