package models

import (
	"encoding/json"
	"time"
)

// Payment gateway constants used across billing-related models.
const (
	GatewayStripe   = "stripe"
	GatewayPaypal   = "paypal"
	GatewayInternal = "internal"
)

const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusOnHold     = "on_hold"
	SubscriptionStatusCancelled  = "cancelled"
	SubscriptionStatusSuperseded = "superseded"
)

// Subscription mirrors a gateway subscription and maps it to an internal plan.
// The pair (gateway, gateway_subscription_id) is the idempotency key: every
// webhook event referencing the same gateway subscription mutates this row.
type Subscription struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"not null;index" json:"user_id"`
	PlanCode              string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_code"`
	Gateway               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_gateway_subid,unique,priority:1" json:"gateway"`
	GatewaySubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_gateway_subid,unique,priority:2" json:"gateway_subscription_id"`
	Status                string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart    *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd      *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	LastPaymentAmount     int64      `gorm:"not null;default:0" json:"last_payment_amount"`
	LastPaymentCurrency   string     `gorm:"type:varchar(8);default:''" json:"last_payment_currency"`
	LastPaymentStatus     string     `gorm:"type:varchar(32);default:''" json:"last_payment_status"`
	LastPaymentAt         *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_at,omitempty"`
	MetadataJSON          string     `gorm:"type:text" json:"metadata_json"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// LiveSubscriptionStatuses lists the statuses that count as a live
// subscription for the at-most-one-live invariant.
func LiveSubscriptionStatuses() []string {
	return []string{
		SubscriptionStatusActive,
		SubscriptionStatusTrialing,
		SubscriptionStatusPastDue,
		SubscriptionStatusOnHold,
	}
}

// IsLive reports whether the subscription is in a live status.
func (s *Subscription) IsLive() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue, SubscriptionStatusOnHold:
		return true
	default:
		return false
	}
}

// Metadata decodes the metadata bag. Unknown keys are preserved as-is and
// never interpreted; recognized keys per gateway are documented in
// MetadataKeyShowModal and friends.
func (s *Subscription) Metadata() map[string]string {
	return decodeMetadata(s.MetadataJSON)
}

// MergeMetadata shallow-merges patch into the metadata bag and re-encodes it.
func (s *Subscription) MergeMetadata(patch map[string]string) error {
	merged, err := mergeMetadata(s.MetadataJSON, patch)
	if err != nil {
		return err
	}
	s.MetadataJSON = merged
	return nil
}

// Recognized metadata keys. Everything else is pass-through gateway state.
const (
	// MetadataKeyShowModal is a transient UI-acknowledgement flag set after
	// activation and cleared by the frontend.
	MetadataKeyShowModal = "show_modal"
	// MetadataKeyUserID carries the internal user id on gateway payloads.
	MetadataKeyUserID = "user_id"
	// MetadataKeyPlanCode carries the internal plan code on gateway payloads.
	MetadataKeyPlanCode = "plan_code"
)

func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]string{}
	}
	return m
}

func mergeMetadata(raw string, patch map[string]string) (string, error) {
	m := decodeMetadata(raw)
	for k, v := range patch {
		m[k] = v
	}
	out, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
