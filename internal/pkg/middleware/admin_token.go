package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MarlonHaas/BidHive/internal/pkg/env"
)

// AdminTokenMiddleware guards operational endpoints with the shared token
// from BILLING_ADMIN_TOKEN. An empty configured token rejects everything, so
// the admin surface is closed until explicitly provisioned.
func AdminTokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := env.GetEnv("BILLING_ADMIN_TOKEN", "")
		if expected == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Admin token not configured"})
		}
		got := extractAdminToken(c)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid admin token"})
		}
		return c.Next()
	}
}

func extractAdminToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-Admin-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
