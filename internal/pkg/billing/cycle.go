package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// CycleManager advances billing cycles and resets per-cycle counters. It is
// invoked opportunistically on reads, so it must be a no-op while the period
// is still running and safe under concurrent invocation for the same user.
type CycleManager struct {
	repo Repository
	now  func() time.Time
}

// NewCycleManager creates a cycle manager.
func NewCycleManager(repo Repository) *CycleManager {
	return &CycleManager{repo: repo, now: time.Now}
}

// CheckAndManageCycle compares now against the stored period end and, if the
// period has elapsed, advances the boundaries by the plan's billing interval
// (catching up if more than one interval went by) and resets per-cycle
// counters. The advance is a conditional update on the period end that was
// read: losing that race means another caller already advanced the cycle,
// which is the desired outcome, not an error.
func (c *CycleManager) CheckAndManageCycle(ctx context.Context, userID uint) (bool, error) {
	_ = ctx
	if userID == 0 {
		return false, fmt.Errorf("cycle check: %w", ErrMissingField)
	}

	q, err := c.repo.GetOrCreateUserQuota(userID)
	if err != nil {
		return false, fmt.Errorf("load quota: %w", err)
	}

	now := c.now()
	if now.Before(q.PeriodEnd) {
		return false, nil
	}

	months := c.billingIntervalMonths(userID)
	newStart := q.PeriodEnd
	newEnd := newStart.AddDate(0, months, 0)
	for !newEnd.After(now) {
		newStart = newEnd
		newEnd = newEnd.AddDate(0, months, 0)
	}

	advanced, err := c.repo.AdvanceQuotaCycle(userID, q.PeriodEnd, newStart, newEnd)
	if err != nil {
		return false, fmt.Errorf("advance cycle: %w", err)
	}
	if !advanced {
		// Lost the optimistic race; the other caller advanced the cycle.
		return false, nil
	}
	log.Infof("[Billing] cycle advanced for user %d: %s -> %s", userID,
		newStart.Format(time.RFC3339), newEnd.Format(time.RFC3339))
	return true, nil
}

func (c *CycleManager) billingIntervalMonths(userID uint) int {
	sub, err := c.repo.GetLiveSubscriptionByUser(userID)
	if err != nil {
		return 1
	}
	plan, err := c.repo.GetPlan(sub.PlanCode)
	if err != nil {
		return 1
	}
	return plan.BillingInterval()
}
