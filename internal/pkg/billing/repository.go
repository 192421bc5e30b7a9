package billing

import (
	"errors"
	"time"

	"github.com/MarlonHaas/BidHive/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the ledger store. It exclusively owns all persisted billing
// rows; managers mutate only through these operations so the uniqueness
// invariants live in one place.
type Repository interface {
	// Subscriptions
	UpsertSubscription(sub *models.Subscription) error
	GetSubscription(gateway, gatewaySubscriptionID string) (*models.Subscription, error)
	SaveSubscription(sub *models.Subscription) error
	ListSubscriptionsByUser(userID uint) ([]models.Subscription, error)
	GetLiveSubscriptionByUser(userID uint) (*models.Subscription, error)
	SupersedeLiveSubscriptions(userID uint, exceptGateway, exceptSubscriptionID string) (int64, error)
	CountSubscriptionsByUser(userID uint) (int64, error)

	// Credit purchases
	CreateCreditPurchaseIfNotExists(p *models.CreditPurchase) (bool, *models.CreditPurchase, error)
	GetCreditPurchase(gateway, gatewayOrderID string) (*models.CreditPurchase, error)
	SaveCreditPurchase(p *models.CreditPurchase) error
	GrantPurchaseCredits(purchaseID, userID uint, credits int64, at time.Time) (bool, error)

	// Quotas
	GetOrCreateUserQuota(userID uint) (*models.UserQuota, error)
	AdjustQuotaCounter(userID uint, column string, delta int64) error
	AdvanceQuotaCycle(userID uint, expectedPeriodEnd, newStart, newEnd time.Time) (bool, error)

	// Webhook queue
	CreateWebhookEventIfNotExists(ev *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	ClaimWebhookEvent(id uint) (bool, error)
	MarkWebhookProcessed(id uint) error
	ReleaseWebhookEvent(id uint, attempts int, lastError string, failed bool) error
	ListPendingWebhookEvents(limit int) ([]models.WebhookEvent, error)
	RequeueFailedWebhookEvents(maxAttempts int) (int64, error)

	// Catalogs (read-only here, owned by catalog management)
	GetPlan(code string) (*models.Plan, error)
	GetCreditPackage(code string) (*models.CreditPackage, error)
	ListCreditPackages() ([]models.CreditPackage, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "gateway_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"plan_code",
			"status",
			"current_period_start",
			"current_period_end",
			"last_payment_amount",
			"last_payment_currency",
			"last_payment_status",
			"last_payment_at",
			"metadata_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("gateway = ? AND gateway_subscription_id = ?", sub.Gateway, sub.GatewaySubscriptionID).
		First(sub).Error
}

func (r *gormRepository) GetSubscription(gateway, gatewaySubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("gateway = ? AND gateway_subscription_id = ?", gateway, gatewaySubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) GetLiveSubscriptionByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ? AND status IN ?", userID, models.LiveSubscriptionStatuses()).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SupersedeLiveSubscriptions(userID uint, exceptGateway, exceptSubscriptionID string) (int64, error) {
	tx := r.db.Model(&models.Subscription{}).
		Where("user_id = ? AND status IN ?", userID, models.LiveSubscriptionStatuses()).
		Where("NOT (gateway = ? AND gateway_subscription_id = ?)", exceptGateway, exceptSubscriptionID).
		Update("status", models.SubscriptionStatusSuperseded)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) CountSubscriptionsByUser(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Subscription{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

func (r *gormRepository) CreateCreditPurchaseIfNotExists(p *models.CreditPurchase) (bool, *models.CreditPurchase, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "gateway_order_id"},
		},
		DoNothing: true,
	}).Create(p)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.CreditPurchase
	if err := r.db.Where("gateway = ? AND gateway_order_id = ?", p.Gateway, p.GatewayOrderID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetCreditPurchase(gateway, gatewayOrderID string) (*models.CreditPurchase, error) {
	var p models.CreditPurchase
	err := r.db.Where("gateway = ? AND gateway_order_id = ?", gateway, gatewayOrderID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) SaveCreditPurchase(p *models.CreditPurchase) error {
	return r.db.Save(p).Error
}

// GrantPurchaseCredits marks the purchase credited and increments the balance
// in a single transaction. The conditional credited_at transition is the
// at-most-once guard; running both writes under one transaction means a failed
// increment rolls the marker back, so a redelivered event can grant again.
func (r *gormRepository) GrantPurchaseCredits(purchaseID, userID uint, credits int64, at time.Time) (bool, error) {
	granted := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditPurchase{}).
			Where("id = ? AND credited_at IS NULL", purchaseID).
			Update("credited_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another caller already granted.
			return nil
		}

		var q models.UserQuota
		if err := tx.Where("user_id = ?", userID).First(&q).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			fresh := models.DefaultUserQuota(userID, time.Now())
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&models.UserQuota{}).
			Where("user_id = ?", userID).
			UpdateColumn("credit_balance", gorm.Expr("credit_balance + ?", credits)).Error; err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}

func (r *gormRepository) GetOrCreateUserQuota(userID uint) (*models.UserQuota, error) {
	var q models.UserQuota
	err := r.db.Where("user_id = ?", userID).First(&q).Error
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := models.DefaultUserQuota(userID, time.Now())
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, err
	}
	// Re-read so a concurrent creator's row wins.
	if err := r.db.Where("user_id = ?", userID).First(&q).Error; err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *gormRepository) AdjustQuotaCounter(userID uint, column string, delta int64) error {
	return r.db.Model(&models.UserQuota{}).
		Where("user_id = ?", userID).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta)).Error
}

func (r *gormRepository) AdvanceQuotaCycle(userID uint, expectedPeriodEnd, newStart, newEnd time.Time) (bool, error) {
	tx := r.db.Model(&models.UserQuota{}).
		Where("user_id = ? AND period_end = ?", userID, expectedPeriodEnd).
		Updates(map[string]interface{}{
			"period_start":  newStart,
			"period_end":    newEnd,
			"requests_sent": 0,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "gateway_event_id"},
		},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("gateway = ? AND gateway_event_id = ?", ev.Gateway, ev.GatewayEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) ClaimWebhookEvent(id uint) (bool, error) {
	tx := r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.WebhookStatusPending).
		Update("status", models.WebhookStatusProcessing)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkWebhookProcessed(id uint) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.WebhookStatusProcessed,
			"processed_at": &now,
			"last_error":   "",
		}).Error
}

func (r *gormRepository) ReleaseWebhookEvent(id uint, attempts int, lastError string, failed bool) error {
	status := models.WebhookStatusPending
	if failed {
		status = models.WebhookStatusFailed
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"last_error": lastError,
		}).Error
}

func (r *gormRepository) ListPendingWebhookEvents(limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Where("status = ?", models.WebhookStatusPending).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) RequeueFailedWebhookEvents(maxAttempts int) (int64, error) {
	tx := r.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND attempts < ?", models.WebhookStatusFailed, maxAttempts).
		Update("status", models.WebhookStatusPending)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) GetPlan(code string) (*models.Plan, error) {
	var p models.Plan
	err := r.db.Where("code = ? AND is_active = ?", code, true).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) GetCreditPackage(code string) (*models.CreditPackage, error) {
	var p models.CreditPackage
	err := r.db.Where("code = ? AND is_active = ?", code, true).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) ListCreditPackages() ([]models.CreditPackage, error) {
	var packages []models.CreditPackage
	err := r.db.Where("is_active = ?", true).Order("price_cents ASC").Find(&packages).Error
	return packages, err
}
