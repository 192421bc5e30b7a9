package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/MarlonHaas/BidHive/app/controllers"
	"github.com/MarlonHaas/BidHive/internal/pkg/constants"
)

type HttpRouter struct {
}

// InstallRouter registers the gateway-facing webhook endpoints. These live
// outside the API group: gateways sign the raw body, so no body-touching
// middleware may run before the handlers.
func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	webhooks := app.Group(constants.WebhooksRoute)
	webhooks.Post(constants.StripeWebhookPath, controllers.HandleStripeWebhook)
	webhooks.Post(constants.PayPalWebhookPath, controllers.HandlePayPalWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
