package ledger

import (
	ledgersvc "clinic-backend/internal/application/ledger"
	"clinic-backend/internal/domain"
	"clinic-backend/internal/interfaces/handlers/apierror"
	"clinic-backend/internal/middleware"
	"clinic-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Handlers struct {
	Service *ledgersvc.Service
}

// GET /api/v1/appointments/:id/ledger
func (h *Handlers) Get(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return apierror.Write(c, domain.ErrAppointmentNotFound)
	}
	l, err := h.Service.Get(c.UserContext(), scope, id)
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Ledger fetched", l, fiber.Map{"events": len(l.Events)})
}

// GET /api/v1/appointments/:id/payment-status
func (h *Handlers) Status(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return apierror.Write(c, domain.ErrAppointmentNotFound)
	}
	status, err := h.Service.CurrentStatus(c.UserContext(), scope, id)
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Payment status fetched", fiber.Map{"appointmentId": id, "status": status}, nil)
}
