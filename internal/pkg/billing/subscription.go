package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/MarlonHaas/BidHive/app/models"
	"github.com/MarlonHaas/BidHive/internal/pkg/activitylog"
)

// ActivateInput is the normalized input for subscription activation and
// update. Activation is an upsert keyed by (gateway, gateway subscription id)
// so create and update events are interchangeable and order-tolerant.
type ActivateInput struct {
	UserID                uint
	Gateway               string
	GatewaySubscriptionID string
	PlanCode              string
	Status                string
	Payment               *PaymentInfo
	PeriodStart           *time.Time
	PeriodEnd             *time.Time
	Metadata              map[string]string
}

// SubscriptionManager owns the subscription rows of the ledger.
type SubscriptionManager struct {
	repo     Repository
	cycles   *CycleManager
	activity *activitylog.Emitter
	now      func() time.Time
}

// NewSubscriptionManager creates a subscription manager from injected
// collaborators. activity may be nil.
func NewSubscriptionManager(repo Repository, cycles *CycleManager, activity *activitylog.Emitter) *SubscriptionManager {
	return &SubscriptionManager{
		repo:     repo,
		cycles:   cycles,
		activity: activity,
		now:      time.Now,
	}
}

// Activate upserts a gateway subscription. If the user already has a live
// subscription under a different gateway subscription id it is marked
// superseded first, enforcing the at-most-one-live invariant. Applying the
// same event twice leaves the row unchanged.
func (m *SubscriptionManager) Activate(ctx context.Context, in ActivateInput) (*models.Subscription, error) {
	_ = ctx
	gateway := strings.ToLower(strings.TrimSpace(in.Gateway))
	subID := strings.TrimSpace(in.GatewaySubscriptionID)
	if in.UserID == 0 || gateway == "" || subID == "" {
		return nil, fmt.Errorf("activate: user_id, gateway and gateway_subscription_id are required: %w", ErrMissingField)
	}

	status := normalizeSubscriptionStatus(in.Status)
	planCode := m.resolvePlanCode(in.PlanCode)

	if statusIsLive(status) {
		if _, err := m.repo.SupersedeLiveSubscriptions(in.UserID, gateway, subID); err != nil {
			return nil, fmt.Errorf("supersede live subscriptions: %w", err)
		}
	}

	sub := &models.Subscription{
		UserID:                in.UserID,
		Gateway:               gateway,
		GatewaySubscriptionID: subID,
		PlanCode:              planCode,
		Status:                status,
		CurrentPeriodStart:    in.PeriodStart,
		CurrentPeriodEnd:      in.PeriodEnd,
	}
	if in.Payment != nil {
		sub.LastPaymentAmount = in.Payment.AmountCents
		sub.LastPaymentCurrency = in.Payment.Currency
		sub.LastPaymentStatus = in.Payment.Status
		if !in.Payment.PaidAt.IsZero() {
			at := in.Payment.PaidAt
			sub.LastPaymentAt = &at
		}
	}
	// Start from the stored metadata bag. Gateway events patch their own keys
	// only and must not erase disjoint ones written through UpdateMetadata,
	// such as the modal ack.
	if existing, err := m.repo.GetSubscription(gateway, subID); err == nil {
		sub.MetadataJSON = existing.MetadataJSON
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load subscription metadata: %w", err)
	}
	if len(in.Metadata) > 0 {
		if err := sub.MergeMetadata(in.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	if err := m.repo.UpsertSubscription(sub); err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}

	if status == models.SubscriptionStatusCancelled {
		m.activity.Emit(in.UserID, models.ActivitySubscriptionCancelled, planCode, subID)
	} else {
		m.activity.Emit(in.UserID, models.ActivitySubscriptionActivated, planCode, subID)
	}
	return sub, nil
}

// Cancel soft-terminates a subscription. Cancelling a subscription the ledger
// has never seen is a no-op: the cancellation either raced ahead of the
// activation (which will then arrive with its own status) or refers to a
// subscription we never owned.
func (m *SubscriptionManager) Cancel(ctx context.Context, gateway, gatewaySubscriptionID string) (*models.Subscription, error) {
	_ = ctx
	sub, err := m.repo.GetSubscription(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewaySubscriptionID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return sub, nil
	}
	sub.Status = models.SubscriptionStatusCancelled
	if err := m.repo.SaveSubscription(sub); err != nil {
		return nil, fmt.Errorf("save cancelled subscription: %w", err)
	}
	m.activity.Emit(sub.UserID, models.ActivitySubscriptionCancelled, sub.PlanCode, sub.GatewaySubscriptionID)
	return sub, nil
}

// UpdatePaymentStatus records a payment fact against the matching
// subscription. It never changes the lifecycle status; subscription topic
// events own that.
func (m *SubscriptionManager) UpdatePaymentStatus(ctx context.Context, gateway, gatewaySubscriptionID string, payment PaymentInfo) error {
	_ = ctx
	sub, err := m.repo.GetSubscription(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewaySubscriptionID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("payment for %s subscription %s: %w", gateway, gatewaySubscriptionID, ErrSubscriptionNotFound)
		}
		return err
	}
	sub.LastPaymentAmount = payment.AmountCents
	sub.LastPaymentCurrency = payment.Currency
	sub.LastPaymentStatus = payment.Status
	at := payment.PaidAt
	if at.IsZero() {
		at = m.now()
	}
	sub.LastPaymentAt = &at
	return m.repo.SaveSubscription(sub)
}

// UpdateMetadata shallow-merges patch into the subscription metadata bag.
// Fields are disjoint by convention, so last-writer-wins is acceptable.
func (m *SubscriptionManager) UpdateMetadata(ctx context.Context, gateway, gatewaySubscriptionID string, patch map[string]string) error {
	_ = ctx
	sub, err := m.repo.GetSubscription(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewaySubscriptionID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("metadata for %s subscription %s: %w", gateway, gatewaySubscriptionID, ErrSubscriptionNotFound)
		}
		return err
	}
	if err := sub.MergeMetadata(patch); err != nil {
		return err
	}
	return m.repo.SaveSubscription(sub)
}

// SubscriptionExists reports whether the ledger has seen the subscription.
func (m *SubscriptionManager) SubscriptionExists(ctx context.Context, gateway, gatewaySubscriptionID string) (bool, error) {
	_ = ctx
	_, err := m.repo.GetSubscription(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewaySubscriptionID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDefaultSubscription assigns the free tier at account creation. A
// second call for a user who already has any subscription is a no-op.
func (m *SubscriptionManager) CreateDefaultSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	_ = ctx
	if userID == 0 {
		return nil, fmt.Errorf("create default subscription: %w", ErrMissingField)
	}
	count, err := m.repo.CountSubscriptionsByUser(userID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	now := m.now()
	end := now.AddDate(0, 1, 0)
	sub := &models.Subscription{
		UserID:                userID,
		Gateway:               models.GatewayInternal,
		GatewaySubscriptionID: fmt.Sprintf("free:%d", userID),
		PlanCode:              models.PlanFree,
		Status:                models.SubscriptionStatusActive,
		CurrentPeriodStart:    &now,
		CurrentPeriodEnd:      &end,
	}
	// Upsert so a concurrent bootstrap for the same user collapses into one row.
	if err := m.repo.UpsertSubscription(sub); err != nil {
		return nil, fmt.Errorf("create default subscription: %w", err)
	}
	return sub, nil
}

// HandleCycleTransition delegates to the usage cycle manager.
func (m *SubscriptionManager) HandleCycleTransition(ctx context.Context, userID uint) (bool, error) {
	return m.cycles.CheckAndManageCycle(ctx, userID)
}

func (m *SubscriptionManager) resolvePlanCode(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" {
		return models.PlanFree
	}
	if _, err := m.repo.GetPlan(c); err != nil {
		return models.PlanFree
	}
	return c
}

func normalizeSubscriptionStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.SubscriptionStatusTrialing:
		return models.SubscriptionStatusTrialing
	case models.SubscriptionStatusPastDue:
		return models.SubscriptionStatusPastDue
	case models.SubscriptionStatusOnHold:
		return models.SubscriptionStatusOnHold
	case models.SubscriptionStatusCancelled, "canceled":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

func statusIsLive(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing,
		models.SubscriptionStatusPastDue, models.SubscriptionStatusOnHold:
		return true
	default:
		return false
	}
}
