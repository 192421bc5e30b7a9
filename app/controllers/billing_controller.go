package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/MarlonHaas/BidHive/app/models"
	"github.com/MarlonHaas/BidHive/internal/pkg/billing"
	"github.com/MarlonHaas/BidHive/internal/pkg/cache"
	"github.com/MarlonHaas/BidHive/internal/pkg/database"
)

var validate = validator.New()

// HandleStripeWebhook receives Stripe callbacks. The handler only verifies
// and enqueues; the processor applies the event to the ledger on its own
// schedule. Duplicate deliveries are accepted with 200 so Stripe stops
// redelivering.
func HandleStripeWebhook(c *fiber.Ctx) error {
	return handleGatewayWebhook(c, models.GatewayStripe)
}

// HandlePayPalWebhook receives PayPal callbacks. Verification calls PayPal's
// verify-webhook-signature API; if that call itself fails we answer 503 so
// PayPal redelivers instead of the event being dropped unverified.
func HandlePayPalWebhook(c *fiber.Ctx) error {
	return handleGatewayWebhook(c, models.GatewayPaypal)
}

func handleGatewayWebhook(c *fiber.Ctx, gateway string) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	headers := map[string]string{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	ctx, cancel := context.WithTimeout(c.UserContext(), 25*time.Second)
	defer cancel()

	ev, err := svc.Processor.Receive(ctx, gateway, rawBody, headers)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.Is(err, billing.ErrGatewayCallFailed):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "verification_unavailable"})
		case errors.Is(err, billing.ErrUnknownGateway):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_gateway"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "event_id": ev.ID})
}

type subscribeRequest struct {
	UserID                uint              `json:"user_id" validate:"required"`
	Gateway               string            `json:"gateway" validate:"required,oneof=stripe paypal internal"`
	GatewaySubscriptionID string            `json:"gateway_subscription_id" validate:"required"`
	PlanCode              string            `json:"plan_code" validate:"required"`
	Status                string            `json:"status"`
	Metadata              map[string]string `json:"metadata"`
}

// HandleSubscribe records a subscription activation reported by the checkout
// flow. The same upsert the webhook processor uses backs it, so a webhook
// arriving before or after this call converges on the same row.
func HandleSubscribe(c *fiber.Ctx) error {
	var req subscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "detail": err.Error()})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	sub, err := svc.Subscriptions.Activate(c.UserContext(), billing.ActivateInput{
		UserID:                req.UserID,
		Gateway:               req.Gateway,
		GatewaySubscriptionID: req.GatewaySubscriptionID,
		PlanCode:              req.PlanCode,
		Status:                req.Status,
		Metadata:              req.Metadata,
	})
	if err != nil {
		if errors.Is(err, billing.ErrMissingField) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_field"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activation_failed"})
	}
	svc.Usage.InvalidateUsageCache(c.UserContext(), sub.UserID)
	return c.Status(fiber.StatusCreated).JSON(sub)
}

type captureRequest struct {
	UserID         uint              `json:"user_id" validate:"required"`
	Gateway        string            `json:"gateway" validate:"required,oneof=stripe paypal"`
	GatewayOrderID string            `json:"gateway_order_id" validate:"required"`
	PackageCode    string            `json:"package_code" validate:"required"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata"`
}

// HandleCaptureOrder records a one-time credit purchase confirmed by the
// checkout flow. Idempotent by (gateway, order id): replaying the capture or
// racing the gateway webhook grants the credits exactly once.
func HandleCaptureOrder(c *fiber.Ctx) error {
	var req captureRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "detail": err.Error()})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	purchase, err := svc.Credits.Purchase(c.UserContext(), billing.PurchaseInput{
		UserID:         req.UserID,
		Gateway:        req.Gateway,
		GatewayOrderID: req.GatewayOrderID,
		PackageCode:    req.PackageCode,
		Status:         req.Status,
		Metadata:       req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUnknownPackage):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_package"})
		case errors.Is(err, billing.ErrMissingField):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_field"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "capture_failed"})
		}
	}
	svc.Usage.InvalidateUsageCache(c.UserContext(), purchase.UserID)
	return c.Status(fiber.StatusCreated).JSON(purchase)
}

// HandleAckSubscriptionModal clears the transient post-checkout modal flag
// from the subscription metadata bag.
func HandleAckSubscriptionModal(c *fiber.Ctx) error {
	gateway := strings.TrimSpace(c.Params("gateway"))
	subID := strings.TrimSpace(c.Params("subscriptionID"))
	if gateway == "" || subID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_identifier"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	err := svc.Subscriptions.UpdateMetadata(c.UserContext(), gateway, subID, map[string]string{
		models.MetadataKeyShowModal: "false",
	})
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "metadata_update_failed"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleListCreditPackages returns the purchasable credit package catalog.
func HandleListCreditPackages(c *fiber.Ctx) error {
	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	packages, err := svc.Credits.ListStandardPackages(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "catalog_unavailable"})
	}
	return c.JSON(fiber.Map{"packages": packages})
}

// HandleCancelSubscription cancels the given gateway subscription in the
// ledger. Cancelling a subscription we never saw is answered 200: either the
// cancellation raced ahead of its activation or there is nothing to undo.
func HandleCancelSubscription(c *fiber.Ctx) error {
	gateway := strings.TrimSpace(c.Params("gateway"))
	subID := strings.TrimSpace(c.Params("subscriptionID"))
	if gateway == "" || subID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_identifier"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	sub, err := svc.Subscriptions.Cancel(c.UserContext(), gateway, subID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cancel_failed"})
	}
	if sub == nil {
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}
	svc.Usage.InvalidateUsageCache(c.UserContext(), sub.UserID)
	return c.JSON(fiber.Map{"ok": true, "status": sub.Status})
}

// HandleBootstrapUser assigns the free tier to a new user. Safe to call more
// than once; a user who already has any subscription keeps it.
func HandleBootstrapUser(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	sub, err := svc.Subscriptions.CreateDefaultSubscription(c.UserContext(), uint(userID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bootstrap_failed"})
	}
	if sub == nil {
		return c.JSON(fiber.Map{"ok": true, "existing": true})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "plan": sub.PlanCode})
}

// HandleAdminProcessQueue runs one webhook queue sweep on demand. The route
// is registered behind the admin token middleware.
func HandleAdminProcessQueue(c *fiber.Ctx) error {
	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	ctx, cancel := context.WithTimeout(c.UserContext(), 60*time.Second)
	defer cancel()

	processed, failed, err := svc.Processor.ProcessQueue(ctx, billing.DefaultBatchSize)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "queue_sweep_failed"})
	}
	return c.JSON(fiber.Map{"ok": true, "processed": processed, "failed": failed})
}

// HandleAdminRetryFailed re-enqueues failed webhook events below the raised
// attempt ceiling.
func HandleAdminRetryFailed(c *fiber.Ctx) error {
	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	requeued, err := svc.Processor.RetryFailed(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry_failed"})
	}
	return c.JSON(fiber.Map{"ok": true, "requeued": requeued})
}
