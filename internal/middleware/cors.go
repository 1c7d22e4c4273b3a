package middleware

import (
	"strings"

	"clinic-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type CORSConfig struct {
	AllowedSuffix string
	AllowLocal    bool
}

const corsAllowHeaders = "Content-Type, Idempotency-Key, X-Tenant-ID, X-Clinic-ID, X-Actor-ID, X-Trace-Id"

// CORS allows origins ending with AllowedSuffix, and localhost when AllowLocal is set.
// Requests without an Origin header pass through.
func CORS(cfg CORSConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")
		if origin == "" {
			return c.Next()
		}
		if !originAllowed(cfg, origin) {
			return response.ErrorWithCode(c, "Not allowed by CORS", "cors_rejected", fiber.StatusForbidden, nil)
		}
		c.Set("Access-Control-Allow-Origin", origin)
		c.Set("Access-Control-Allow-Credentials", "true")
		c.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Set("Access-Control-Expose-Headers", traceIDHeader)
		if c.Method() == fiber.MethodOptions {
			c.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

func originAllowed(cfg CORSConfig, origin string) bool {
	if cfg.AllowLocal && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
		return true
	}
	return cfg.AllowedSuffix != "" && strings.HasSuffix(strings.ToLower(origin), strings.ToLower(cfg.AllowedSuffix))
}
