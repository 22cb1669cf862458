package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
)

// NewActorMiddleware reads the identity the edge proxy stamps on each
// request. Authentication itself happens upstream; this service only needs
// to know who is acting and with what role.
func NewActorMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := service.Actor{Role: "customer"}

		if v := c.Get("X-User-ID"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"success": false,
					"error":   "UNAUTHORIZED",
					"message": "invalid X-User-ID header",
				})
			}
			actor.UserID = id
		}

		if role := c.Get("X-User-Role"); role != "" {
			actor.Role = role
		}

		c.Locals("actor", actor)
		return c.Next()
	}
}

// RequireUser rejects requests that carry no user identity.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := ActorFromCtx(c)
		if actor.UserID == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "UNAUTHORIZED",
				"message": "authentication required",
			})
		}

		return c.Next()
	}
}

// RequireStaff gates the admin surface.
func RequireStaff() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := ActorFromCtx(c)
		if !actor.IsStaff() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   "FORBIDDEN",
				"message": "staff role required",
			})
		}

		return c.Next()
	}
}

func ActorFromCtx(c *fiber.Ctx) service.Actor {
	actor, ok := c.Locals("actor").(service.Actor)
	if !ok {
		return service.Actor{Role: "customer"}
	}
	return actor
}
