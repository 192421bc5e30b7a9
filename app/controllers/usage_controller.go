package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MarlonHaas/BidHive/internal/pkg/billing"
	"github.com/MarlonHaas/BidHive/internal/pkg/cache"
	"github.com/MarlonHaas/BidHive/internal/pkg/database"
	"github.com/MarlonHaas/BidHive/internal/pkg/entitlements"
)

type usageAdjustRequest struct {
	Kind  string `json:"kind" validate:"required"`
	Delta int64  `json:"delta" validate:"required"`
}

// HandleGetUsage returns the user's usage snapshot: plan, counters, storage,
// credit balance and the current period window.
func HandleGetUsage(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	state, err := svc.Usage.GetUsageState(c.UserContext(), uint(userID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "usage_unavailable"})
	}
	return c.JSON(state)
}

// HandleGetSubscription returns the live subscription and its plan. Users
// without a paid subscription get the free plan with a nil subscription.
func HandleGetSubscription(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	details, err := svc.Usage.GetSubscriptionDetails(c.UserContext(), uint(userID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_unavailable"})
	}
	return c.JSON(details)
}

// HandleAdjustUsage applies a counter delta reported by a resource router.
// Positive deltas for creations are checked against the plan allowance first
// and rejected with 409 when the user is at their limit; decrements and
// modifications of existing resources always go through.
func HandleAdjustUsage(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}

	var req usageAdjustRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	kind := billing.ResourceKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	switch kind {
	case billing.ResourceProjects, billing.ResourceTeams, billing.ResourceProposals, billing.ResourceRequests:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_resource_kind"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	guard := entitlements.NewGuard(svc.Repo, svc.Usage)

	if req.Delta > 0 {
		if err := guard.EnsureWithinCreateLimit(c.UserContext(), uint(userID), kind); err != nil {
			var limitErr *entitlements.LimitExceededError
			if errors.As(err, &limitErr) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error": "limit_exceeded",
					"kind":  string(limitErr.Kind),
					"limit": limitErr.Limit,
					"count": limitErr.Count,
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "limit_check_failed"})
		}
	}

	if err := svc.Usage.RecordResourceChange(c.UserContext(), uint(userID), kind, req.Delta); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "usage_update_failed"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleAdjustStorage applies a storage delta in megabytes.
func HandleAdjustStorage(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}
	var req struct {
		DeltaMB int64 `json:"delta_mb" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	if err := svc.Usage.RecordStorageChange(c.UserContext(), uint(userID), req.DeltaMB); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "usage_update_failed"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleCheckLimit answers whether the user may create or modify a resource
// of the given kind without changing any counter.
func HandleCheckLimit(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}
	kind := billing.ResourceKind(strings.ToLower(strings.TrimSpace(c.Params("kind"))))
	mode := strings.ToLower(c.Query("mode", "create"))

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	guard := entitlements.NewGuard(svc.Repo, svc.Usage)

	check := guard.EnsureWithinCreateLimit
	if mode == "modify" {
		check = guard.EnsureCanModify
	}
	if err := check(c.UserContext(), uint(userID), kind); err != nil {
		var limitErr *entitlements.LimitExceededError
		if errors.As(err, &limitErr) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "limit_exceeded",
				"kind":  string(limitErr.Kind),
				"limit": limitErr.Limit,
				"count": limitErr.Count,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "limit_check_failed"})
	}
	return c.JSON(fiber.Map{"ok": true, "allowed": true})
}
