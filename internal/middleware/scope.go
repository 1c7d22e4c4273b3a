package middleware

import (
	"strings"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const (
	TenantHeader = "X-Tenant-ID"
	ClinicHeader = "X-Clinic-ID"
	ActorHeader  = "X-Actor-ID"

	scopeLocal = "scope"
	actorLocal = "actor_id"
)

// RequireScope resolves the tenant and clinic of the request from headers set by the
// authenticating gateway in front of this service.
func RequireScope() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scope := domain.Scope{
			TenantID: strings.TrimSpace(c.Get(TenantHeader)),
			ClinicID: strings.TrimSpace(c.Get(ClinicHeader)),
		}
		if err := scope.Validate(); err != nil {
			return response.ErrorWithCode(c, "tenant and clinic headers are required", "invalid_scope", fiber.StatusBadRequest, nil)
		}
		c.Locals(scopeLocal, scope)
		if actor := strings.TrimSpace(c.Get(ActorHeader)); actor != "" {
			c.Locals(actorLocal, actor)
		}
		return c.Next()
	}
}

func ScopeFrom(c *fiber.Ctx) (domain.Scope, bool) {
	s, ok := c.Locals(scopeLocal).(domain.Scope)
	return s, ok
}

// ActorFrom returns the acting user, or "system" when none was sent.
func ActorFrom(c *fiber.Ctx) string {
	if a, ok := c.Locals(actorLocal).(string); ok {
		return a
	}
	return "system"
}
