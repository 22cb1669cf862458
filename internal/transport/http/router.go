package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/transport/http/handler"
)

type Handlers struct {
	Checkout    *handler.CheckoutHandler
	Order       *handler.OrderHandler
	Refund      *handler.RefundHandler
	Reservation *handler.ReservationHandler
}

func RegisterRoutes(app *fiber.App, h *Handlers) {
	api := app.Group("/api", NewActorMiddleware())

	checkout := api.Group("/checkout")
	checkout.Post("", h.Checkout.Begin)
	checkout.Post("/:sessionID/finalize", h.Checkout.Finalize)

	orders := api.Group("/orders")
	orders.Get("/guest", h.Order.ListGuest)
	orders.Get("", RequireUser(), h.Order.List)
	orders.Get("/:id", h.Order.Get)
	orders.Get("/:id/refunds", h.Refund.List)
	orders.Post("/:id/cancel", RequireUser(), h.Order.Cancel)

	products := api.Group("/products")
	products.Get("/:productID/slots", h.Reservation.ListFreeSlots)
	products.Get("/:productID/slots/check", h.Reservation.CheckSlot)

	admin := api.Group("/admin", RequireStaff())
	admin.Patch("/orders/:id/status", h.Order.UpdateStatus)
	admin.Post("/orders/:id/refunds", h.Refund.Issue)
	admin.Get("/orders/:id/refunds", h.Refund.List)
}
