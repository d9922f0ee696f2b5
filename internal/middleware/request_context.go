package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// RequestContext gives each request a user context derived from base, so cancelling base
// ends blocking work such as result polls. A nil base falls back to the fasthttp request
// context.
func RequestContext(base context.Context) fiber.Handler {
	return func(c *fiber.Ctx) error {
		parent := base
		if parent == nil {
			parent = c.Context()
		}

		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		c.SetUserContext(ctx)
		return c.Next()
	}
}
