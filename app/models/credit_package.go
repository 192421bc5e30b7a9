package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditPackage is a static catalog entity for one-time credit purchases.
type CreditPackage struct {
	Code       string    `gorm:"primaryKey;type:varchar(50)" json:"code"`
	Name       string    `gorm:"type:varchar(100);not null" json:"name"`
	PriceCents int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency   string    `gorm:"type:varchar(8);not null;default:'EUR'" json:"currency"`
	Credits    int64     `gorm:"not null;default:0" json:"credits"`
	IsActive   bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreateStandardCreditPackages seeds the credit package catalog. Existing
// rows are left untouched.
func CreateStandardCreditPackages(db *gorm.DB) error {
	packages := []CreditPackage{
		{Code: "credits_100", Name: "100 Credits", PriceCents: 490, Credits: 100},
		{Code: "credits_500", Name: "500 Credits", PriceCents: 1990, Credits: 500},
		{Code: "credits_2000", Name: "2000 Credits", PriceCents: 5990, Credits: 2000},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&packages).Error
}
