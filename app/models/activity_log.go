package models

import "time"

const (
	ActivitySubscriptionActivated = "subscription_activated"
	ActivitySubscriptionCancelled = "subscription_cancelled"
	ActivityCreditPurchased       = "credit_purchased"
)

// ActivityLog records billing state transitions for the activity feed.
// Writes are fire-and-forget; a failed log write never fails the billing
// operation that triggered it.
type ActivityLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"index" json:"user_id"`
	Action      string    `gorm:"type:varchar(50);not null;index" json:"action"`
	Detail      string    `gorm:"type:text" json:"detail"`
	ReferenceID string    `gorm:"type:varchar(191);index" json:"reference_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
