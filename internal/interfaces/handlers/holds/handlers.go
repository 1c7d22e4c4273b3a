package holds

import (
	"strings"
	"time"

	"clinic-backend/internal/application/confirmation"
	holdsvc "clinic-backend/internal/application/holds"
	"clinic-backend/internal/domain"
	"clinic-backend/internal/interfaces/handlers/apierror"
	"clinic-backend/internal/middleware"
	"clinic-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const idempotencyHeader = "Idempotency-Key"

type Handlers struct {
	Holds        *holdsvc.Service
	Confirmation *confirmation.Service
}

type createHoldRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ProfessionalID string    `json:"professional_id"`
	PatientID      string    `json:"patient_id"`
	ServiceTypeID  string    `json:"service_type_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	LocationID     *string   `json:"location_id"`
	Resources      []string  `json:"resources"`
}

type cancelHoldRequest struct {
	Reason string `json:"reason"`
}

type confirmHoldRequest struct {
	IdempotencyKey       string `json:"idempotency_key"`
	PaymentTransactionID string `json:"payment_transaction_id"`
}

// POST /api/v1/holds. 201 for a new hold, 200 when the idempotency key was already used
// for the same request.
func (h *Handlers) Create(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	var body createHoldRequest
	if err := c.BodyParser(&body); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	res, err := h.Holds.Create(c.UserContext(), holdsvc.CreateHoldInput{
		Scope:          scope,
		IdempotencyKey: idempotencyKey(c, body.IdempotencyKey),
		ProfessionalID: body.ProfessionalID,
		PatientID:      body.PatientID,
		ServiceTypeID:  body.ServiceTypeID,
		Start:          body.Start.UTC(),
		End:            body.End.UTC(),
		LocationID:     body.LocationID,
		Resources:      body.Resources,
		CreatedBy:      middleware.ActorFrom(c),
	})
	if err != nil {
		return apierror.Write(c, err)
	}
	meta := fiber.Map{"reused": res.Reused}
	if res.Reused {
		return response.Success(c, "Hold already exists", res.Hold, meta)
	}
	return response.SuccessCreated(c, "Hold created", res.Hold, meta)
}

// GET /api/v1/holds/:id
func (h *Handlers) Get(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	id, ok := holdID(c)
	if !ok {
		return apierror.Write(c, domain.ErrHoldNotFound)
	}
	hold, err := h.Holds.Get(c.UserContext(), scope, id)
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Hold fetched", hold, nil)
}

// GET /api/v1/holds?professional_id=&start=&end=&resources=a,b lists live competing holds.
func (h *Handlers) List(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	professionalID := c.Query("professional_id")
	if professionalID == "" {
		return response.BadRequest(c, "professional_id is required")
	}
	start, err1 := time.Parse(time.RFC3339, c.Query("start"))
	end, err2 := time.Parse(time.RFC3339, c.Query("end"))
	if err1 != nil || err2 != nil {
		return response.BadRequest(c, "start and end must be RFC 3339 timestamps")
	}
	q := holdsvc.OverlapQuery{ProfessionalID: professionalID, Start: start.UTC(), End: end.UTC()}
	if r := c.Query("resources"); r != "" {
		q.Resources = strings.Split(r, ",")
	}
	live, err := h.Holds.Overlapping(c.UserContext(), scope, q)
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Holds fetched", live, fiber.Map{"count": len(live)})
}

// POST /api/v1/holds/:id/cancel
func (h *Handlers) Cancel(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	id, ok := holdID(c)
	if !ok {
		return apierror.Write(c, domain.ErrHoldNotFound)
	}
	var body cancelHoldRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return response.BadRequest(c, "Invalid request body")
		}
	}
	hold, err := h.Holds.Cancel(c.UserContext(), scope, id, body.Reason, middleware.ActorFrom(c))
	if err != nil {
		return apierror.Write(c, err)
	}
	return response.Success(c, "Hold cancelled", hold, nil)
}

// POST /api/v1/holds/:id/confirm
func (h *Handlers) Confirm(c *fiber.Ctx) error {
	scope, _ := middleware.ScopeFrom(c)
	id, ok := holdID(c)
	if !ok {
		return apierror.Write(c, domain.ErrHoldNotFound)
	}
	var body confirmHoldRequest
	if err := c.BodyParser(&body); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	res, err := h.Confirmation.Confirm(c.UserContext(), confirmation.ConfirmInput{
		Scope:                scope,
		HoldID:               id,
		PaymentTransactionID: body.PaymentTransactionID,
		IdempotencyKey:       idempotencyKey(c, body.IdempotencyKey),
		ConfirmedBy:          middleware.ActorFrom(c),
	})
	if err != nil {
		return apierror.Write(c, err)
	}
	meta := fiber.Map{"replayed": res.Replayed, "ledgerSynced": res.LedgerSynced}
	if res.Replayed {
		return response.Success(c, "Hold already confirmed", res, meta)
	}
	return response.SuccessCreated(c, "Hold confirmed", res, meta)
}

// holdID parses the :id param. A malformed id cannot name a hold, so it reads as not found.
func holdID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(c *fiber.Ctx, fromBody string) string {
	if k := strings.TrimSpace(c.Get(idempotencyHeader)); k != "" {
		return k
	}
	return fromBody
}
