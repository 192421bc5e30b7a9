package billing

import (
	"context"
	"time"
)

// EventTopic is the gateway-agnostic classification of a webhook event.
// Adapters translate gateway-specific event types into exactly one topic; the
// processor dispatches on topics only and never sees gateway field shapes.
type EventTopic string

const (
	TopicSubscriptionActivated EventTopic = "subscription.activated"
	TopicSubscriptionUpdated   EventTopic = "subscription.updated"
	TopicSubscriptionCancelled EventTopic = "subscription.cancelled"
	TopicPaymentRecorded       EventTopic = "payment.recorded"
	TopicOrderCompleted        EventTopic = "order.completed"
	// TopicIgnored marks event types we receive but do not act on. They are
	// still recorded and marked processed so redelivery stays a no-op.
	TopicIgnored EventTopic = "ignored"
)

// PaymentInfo carries the normalized payment facts attached to an event.
type PaymentInfo struct {
	AmountCents int64
	Currency    string
	Status      string
	PaidAt      time.Time
}

// CanonicalEvent is the only event shape the processor and managers consume.
// Which fields are set depends on the topic: subscription topics carry
// GatewaySubscriptionID, order topics carry GatewayOrderID.
type CanonicalEvent struct {
	Gateway               string
	EventID               string
	Topic                 EventTopic
	UserID                uint
	GatewaySubscriptionID string
	GatewayOrderID        string
	PlanCode              string
	PackageCode           string
	Status                string
	Payment               *PaymentInfo
	PeriodStart           *time.Time
	PeriodEnd             *time.Time
	Metadata              map[string]string
}

// GatewayAdapter translates one payment gateway's webhook payloads into
// canonical events. Identify is a cheap peek used at intake for the
// idempotency key; Normalize runs in the processor.
type GatewayAdapter interface {
	Gateway() string
	VerifySignature(ctx context.Context, headers map[string]string, rawBody []byte) error
	Identify(rawBody []byte) (eventID, eventType string, err error)
	Normalize(rawBody []byte) (*CanonicalEvent, error)
}

// ResourceKind names a quota-limited resource owned by marketplace users.
type ResourceKind string

const (
	ResourceProjects  ResourceKind = "projects"
	ResourceTeams     ResourceKind = "teams"
	ResourceProposals ResourceKind = "proposals"
	ResourceRequests  ResourceKind = "requests"
)

// ResourceCounts is the live per-user counter snapshot consulted by the
// limit guard.
type ResourceCounts struct {
	Projects  int64 `json:"projects"`
	Teams     int64 `json:"teams"`
	Proposals int64 `json:"proposals"`
	Requests  int64 `json:"requests"`
}

// Count returns the counter for a resource kind.
func (rc ResourceCounts) Count(kind ResourceKind) int64 {
	switch kind {
	case ResourceProjects:
		return rc.Projects
	case ResourceTeams:
		return rc.Teams
	case ResourceProposals:
		return rc.Proposals
	case ResourceRequests:
		return rc.Requests
	default:
		return 0
	}
}
