package models

import "time"

const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
)

// WebhookEvent is the durable queue record for gateway callbacks. The pair
// (gateway, gateway_event_id) is unique so a delivered-twice webhook inserts
// exactly once; processing claims the row with a conditional
// pending->processing transition before dispatching.
type WebhookEvent struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Gateway        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_gateway_event,unique,priority:1" json:"gateway"`
	GatewayEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_gateway_event,unique,priority:2" json:"gateway_event_id"`
	EventType      string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON    string     `gorm:"type:longtext;not null" json:"payload_json"`
	Status         string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	ReceivedAt     time.Time  `gorm:"type:timestamp;not null;index" json:"received_at"`
	ProcessedAt    *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
