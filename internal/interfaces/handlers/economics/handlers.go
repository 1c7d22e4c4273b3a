package economics

import (
	"clinic-backend/internal/application/settings"
	"clinic-backend/internal/application/split"
	"clinic-backend/internal/domain"
	"clinic-backend/internal/interfaces/handlers/apierror"
	"clinic-backend/internal/middleware"
	"clinic-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Settings *settings.Provider
}

type previewRequest struct {
	Agreement         domain.EconomicAgreement `json:"agreement"`
	OrderOfRemainders []domain.RemainderShare  `json:"orderOfRemainders"`
}

// POST /api/v1/economics/preview splits a proposed agreement at its own price.
func (h *Handlers) Preview(c *fiber.Ctx) error {
	var body previewRequest
	if err := c.BodyParser(&body); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	preview, err := split.PreviewAgreement(body.Agreement, body.OrderOfRemainders)
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Split preview", preview, nil)
}

// GET /api/v1/professionals/:professional_id/agreements/:service_type_id/preview
func (h *Handlers) ActivePreview(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	a, err := h.Settings.ActiveAgreement(c.UserContext(), scope, c.Params("professional_id"), c.Params("service_type_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	preview, err := split.PreviewAgreement(a.Agreement, a.Summary.OrderOfRemainders)
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Split preview", preview, fiber.Map{"source": a.Source})
}
