package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/MarlonHaas/BidHive/app/controllers"
	"github.com/MarlonHaas/BidHive/internal/pkg/constants"
	"github.com/MarlonHaas/BidHive/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New())

	v1 := api.Group(constants.APIVersionV1Route)

	// Billing surface consumed by the marketplace app
	v1.Get("/packages", controllers.HandleListCreditPackages)
	v1.Post("/users/:userID/bootstrap", controllers.HandleBootstrapUser)
	v1.Post("/subscriptions", controllers.HandleSubscribe)
	v1.Post("/subscriptions/:gateway/:subscriptionID/ack", controllers.HandleAckSubscriptionModal)
	v1.Delete("/subscriptions/:gateway/:subscriptionID", controllers.HandleCancelSubscription)
	v1.Post("/orders/capture", controllers.HandleCaptureOrder)

	// Usage and limits
	v1.Get("/users/:userID/usage", controllers.HandleGetUsage)
	v1.Get("/users/:userID/subscription", controllers.HandleGetSubscription)
	v1.Post("/users/:userID/usage", controllers.HandleAdjustUsage)
	v1.Post("/users/:userID/storage", controllers.HandleAdjustStorage)
	v1.Get("/users/:userID/limits/:kind", controllers.HandleCheckLimit)

	// Operator endpoints, shared-token guarded
	admin := v1.Group(constants.AdminRoute, middleware.AdminTokenMiddleware())
	admin.Post("/webhooks/process", controllers.HandleAdminProcessQueue)
	admin.Post("/webhooks/retry-failed", controllers.HandleAdminRetryFailed)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
