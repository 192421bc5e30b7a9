package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanPro     = "pro"
)

const (
	PlanIntervalMonth = "month"
	PlanIntervalYear  = "year"
)

// Plan is a static catalog entity describing a subscription tier and its
// feature limits. Read-only from the billing core's perspective.
type Plan struct {
	Code           string    `gorm:"primaryKey;type:varchar(50)" json:"code"`
	Name           string    `gorm:"type:varchar(100);not null" json:"name"`
	PriceCents     int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency       string    `gorm:"type:varchar(8);not null;default:'EUR'" json:"currency"`
	Interval       string    `gorm:"type:varchar(16);not null;default:'month'" json:"interval"`
	MaxProjects    int64     `gorm:"not null;default:0" json:"max_projects"`
	MaxTeams       int64     `gorm:"not null;default:0" json:"max_teams"`
	MaxProposals   int64     `gorm:"not null;default:0" json:"max_proposals"`
	MaxRequests    int64     `gorm:"not null;default:0" json:"max_requests"`
	StorageLimitGB int64     `gorm:"not null;default:0" json:"storage_limit_gb"`
	IsActive       bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BillingInterval returns the plan's cycle length as a calendar offset.
func (p *Plan) BillingInterval() (months int) {
	if p.Interval == PlanIntervalYear {
		return 12
	}
	return 1
}

// CreateDefaultPlans seeds the plan catalog. Existing rows are left untouched.
func CreateDefaultPlans(db *gorm.DB) error {
	plans := []Plan{
		{Code: PlanFree, Name: "Free", PriceCents: 0, Interval: PlanIntervalMonth,
			MaxProjects: 2, MaxTeams: 1, MaxProposals: 5, MaxRequests: 10, StorageLimitGB: 1},
		{Code: PlanStarter, Name: "Starter", PriceCents: 990, Interval: PlanIntervalMonth,
			MaxProjects: 10, MaxTeams: 3, MaxProposals: 50, MaxRequests: 100, StorageLimitGB: 10},
		{Code: PlanPro, Name: "Pro", PriceCents: 2990, Interval: PlanIntervalMonth,
			MaxProjects: 50, MaxTeams: 10, MaxProposals: 500, MaxRequests: 1000, StorageLimitGB: 100},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&plans).Error
}
