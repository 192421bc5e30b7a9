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

// PurchaseInput is the normalized input for a one-time credit purchase.
type PurchaseInput struct {
	UserID         uint
	Gateway        string
	GatewayOrderID string
	PackageCode    string
	Status         string
	Payment        *PaymentInfo
	Metadata       map[string]string
}

// CreditManager owns the credit purchase rows and the credit balance.
type CreditManager struct {
	repo     Repository
	activity *activitylog.Emitter
	now      func() time.Time
}

// NewCreditManager creates a credit manager. activity may be nil.
func NewCreditManager(repo Repository, activity *activitylog.Emitter) *CreditManager {
	return &CreditManager{
		repo:     repo,
		activity: activity,
		now:      time.Now,
	}
}

// Purchase records a one-time credit purchase, idempotent by
// (gateway, gateway_order_id). A duplicate confirmation returns the existing
// row unchanged; the balance increment is additionally guarded by a
// conditional credited_at write so it applies at most once even when a
// pending order and its completion race.
func (m *CreditManager) Purchase(ctx context.Context, in PurchaseInput) (*models.CreditPurchase, error) {
	_ = ctx
	gateway := strings.ToLower(strings.TrimSpace(in.Gateway))
	orderID := strings.TrimSpace(in.GatewayOrderID)
	packageCode := strings.ToLower(strings.TrimSpace(in.PackageCode))
	if in.UserID == 0 || gateway == "" || orderID == "" || packageCode == "" {
		return nil, fmt.Errorf("purchase: user_id, gateway, order_id and package_code are required: %w", ErrMissingField)
	}

	pkg, err := m.repo.GetCreditPackage(packageCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("package %q: %w", packageCode, ErrUnknownPackage)
		}
		return nil, err
	}

	status := normalizePurchaseStatus(in.Status)
	p := &models.CreditPurchase{
		UserID:         in.UserID,
		Gateway:        gateway,
		GatewayOrderID: orderID,
		PackageCode:    pkg.Code,
		Status:         status,
		CreditsGranted: pkg.Credits,
	}
	if in.Payment != nil {
		p.PaymentAmount = in.Payment.AmountCents
		p.PaymentCurrency = in.Payment.Currency
		if !in.Payment.PaidAt.IsZero() {
			at := in.Payment.PaidAt
			p.PaidAt = &at
		}
	}
	if len(in.Metadata) > 0 {
		if err := p.MergeMetadata(in.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	created, stored, err := m.repo.CreateCreditPurchaseIfNotExists(p)
	if err != nil {
		return nil, fmt.Errorf("create credit purchase: %w", err)
	}

	// A later event may upgrade a pending order to completed, but never the
	// other way around.
	if !created && status == models.PurchaseStatusCompleted && stored.Status != models.PurchaseStatusCompleted {
		stored.Status = models.PurchaseStatusCompleted
		if in.Payment != nil {
			stored.PaymentAmount = in.Payment.AmountCents
			stored.PaymentCurrency = in.Payment.Currency
		}
		if err := m.repo.SaveCreditPurchase(stored); err != nil {
			return nil, err
		}
	}

	if stored.Status == models.PurchaseStatusCompleted {
		if err := m.grantCredits(stored); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// UpdateOrderStatus applies a status transition reported by the gateway and
// grants credits when the order completes.
func (m *CreditManager) UpdateOrderStatus(ctx context.Context, gateway, gatewayOrderID, status string, payment *PaymentInfo) (*models.CreditPurchase, error) {
	_ = ctx
	p, err := m.repo.GetCreditPurchase(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewayOrderID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", gatewayOrderID, ErrOrderNotFound)
		}
		return nil, err
	}

	p.Status = normalizePurchaseStatus(status)
	if payment != nil {
		p.PaymentAmount = payment.AmountCents
		p.PaymentCurrency = payment.Currency
		if !payment.PaidAt.IsZero() {
			at := payment.PaidAt
			p.PaidAt = &at
		}
	}
	if err := m.repo.SaveCreditPurchase(p); err != nil {
		return nil, err
	}
	if p.Status == models.PurchaseStatusCompleted {
		if err := m.grantCredits(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// OrderExists reports whether the ledger has seen the order.
func (m *CreditManager) OrderExists(ctx context.Context, gateway, gatewayOrderID string) (bool, error) {
	_ = ctx
	_, err := m.repo.GetCreditPurchase(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewayOrderID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateOrderMetadata shallow-merges patch into the purchase metadata bag.
func (m *CreditManager) UpdateOrderMetadata(ctx context.Context, gateway, gatewayOrderID string, patch map[string]string) error {
	_ = ctx
	p, err := m.repo.GetCreditPurchase(strings.ToLower(strings.TrimSpace(gateway)), strings.TrimSpace(gatewayOrderID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("order %s: %w", gatewayOrderID, ErrOrderNotFound)
		}
		return err
	}
	if err := p.MergeMetadata(patch); err != nil {
		return err
	}
	return m.repo.SaveCreditPurchase(p)
}

// ListStandardPackages returns the active credit package catalog.
func (m *CreditManager) ListStandardPackages(ctx context.Context) ([]models.CreditPackage, error) {
	_ = ctx
	return m.repo.ListCreditPackages()
}

// grantCredits increments the balance exactly once per purchase. The
// credited_at marker and the balance increment commit together in the
// repository; a failed increment leaves the marker unset so the redelivered
// event grants on retry, and losing the conditional marker transition means
// another caller already granted.
func (m *CreditManager) grantCredits(p *models.CreditPurchase) error {
	if p.CreditedAt != nil {
		return nil
	}
	granted, err := m.repo.GrantPurchaseCredits(p.ID, p.UserID, p.CreditsGranted, m.now())
	if err != nil {
		return fmt.Errorf("grant purchase credits: %w", err)
	}
	if !granted {
		return nil
	}
	m.activity.Emit(p.UserID, models.ActivityCreditPurchased,
		fmt.Sprintf("%d credits (%s)", p.CreditsGranted, p.PackageCode), p.GatewayOrderID)
	return nil
}

func normalizePurchaseStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.PurchaseStatusCompleted, "paid", "approved", "captured":
		return models.PurchaseStatusCompleted
	case models.PurchaseStatusFailed, "declined", "voided":
		return models.PurchaseStatusFailed
	case models.PurchaseStatusRefunded:
		return models.PurchaseStatusRefunded
	default:
		return models.PurchaseStatusPending
	}
}
