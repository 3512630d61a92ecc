package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'none'; " +
		"connect-src 'self' " + strings.Join(cfg.AllowedOrigins, " ") + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'none'; " +
		"form-action 'none'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		// Voter profiles and personalized ballots must never land in a shared cache.
		c.Set(fiber.HeaderCacheControl, "no-store")

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Set("Content-Security-Policy", csp)

		return c.Next()
	}
}
