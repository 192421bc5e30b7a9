package models

import "time"

const (
	PurchaseStatusPending   = "pending"
	PurchaseStatusCompleted = "completed"
	PurchaseStatusFailed    = "failed"
	PurchaseStatusRefunded  = "refunded"
)

// CreditPurchase records a one-time credit grant. The pair
// (gateway, gateway_order_id) is unique: duplicate confirmations of the same
// order must never create a second row or credit the balance twice.
// CreditedAt marks that the balance increment has been applied; it is only
// ever set once via a conditional update.
type CreditPurchase struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	Gateway         string     `gorm:"type:varchar(20);not null;index:ux_credit_purchases_gateway_order,unique,priority:1" json:"gateway"`
	GatewayOrderID  string     `gorm:"type:varchar(191);not null;index:ux_credit_purchases_gateway_order,unique,priority:2" json:"gateway_order_id"`
	PackageCode     string     `gorm:"type:varchar(50);not null;index" json:"package_code"`
	Status          string     `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	CreditsGranted  int64      `gorm:"not null;default:0" json:"credits_granted"`
	PaymentAmount   int64      `gorm:"not null;default:0" json:"payment_amount"`
	PaymentCurrency string     `gorm:"type:varchar(8);default:''" json:"payment_currency"`
	PaidAt          *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreditedAt      *time.Time `gorm:"type:timestamp;default:null" json:"credited_at,omitempty"`
	MetadataJSON    string     `gorm:"type:text" json:"metadata_json"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Metadata decodes the metadata bag.
func (p *CreditPurchase) Metadata() map[string]string {
	return decodeMetadata(p.MetadataJSON)
}

// MergeMetadata shallow-merges patch into the metadata bag.
func (p *CreditPurchase) MergeMetadata(patch map[string]string) error {
	merged, err := mergeMetadata(p.MetadataJSON, patch)
	if err != nil {
		return err
	}
	p.MetadataJSON = merged
	return nil
}
