package apierror

import (
	"errors"
	"fmt"
	"testing"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/gateway"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrTooSoon, fiber.StatusUnprocessableEntity, "too_soon"},
		{fmt.Errorf("create: %w", domain.ErrOverbookingRejected), fiber.StatusConflict, "overbooking_rejected"},
		{domain.ErrHoldExpired, fiber.StatusGone, "hold_expired"},
		{fmt.Errorf("payment lookup: %w", gateway.ErrTransactionNotFound), fiber.StatusNotFound, "payment_not_found"},
		{domain.ErrIdempotencyKeyRequired, fiber.StatusBadRequest, "idempotency_key_required"},
		{errors.New("connection refused"), fiber.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := Status(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
