package models

import "time"

// UserQuota holds the cached per-user resource counters consulted by the
// limit guard, the per-cycle counters reset on billing-cycle rollover and the
// purchased credit balance. One row per user.
//
// Cycle transitions use optimistic concurrency: the period boundary only
// advances when the stored period_end still matches the value the caller
// read, so concurrent rollover attempts are harmless.
type UserQuota struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	ProjectsOwned  int64     `gorm:"not null;default:0" json:"projects_owned"`
	TeamsOwned     int64     `gorm:"not null;default:0" json:"teams_owned"`
	ProposalsOwned int64     `gorm:"not null;default:0" json:"proposals_owned"`
	RequestsSent   int64     `gorm:"not null;default:0" json:"requests_sent"`
	StorageUsedMB  int64     `gorm:"not null;default:0" json:"storage_used_mb"`
	CreditBalance  int64     `gorm:"not null;default:0" json:"credit_balance"`
	PeriodStart    time.Time `gorm:"type:timestamp;not null" json:"period_start"`
	PeriodEnd      time.Time `gorm:"type:timestamp;not null;index" json:"period_end"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultUserQuota returns a fresh quota row with a monthly cycle anchored at
// now. All counters start at zero.
func DefaultUserQuota(userID uint, now time.Time) *UserQuota {
	return &UserQuota{
		UserID:      userID,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
	}
}
