package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarlonHaas/BidHive/app/models"
	"github.com/MarlonHaas/BidHive/internal/pkg/env"
)

const stripeSignatureTolerance = 5 * time.Minute

// StripeAdapter verifies and normalizes Stripe webhook payloads. BidHive
// checkout sessions set metadata.user_id (and metadata.plan_code or
// metadata.package_code) on the Stripe objects, which is where the internal
// references are recovered from.
type StripeAdapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

// NewStripeAdapter creates a Stripe adapter with the given webhook signing
// secret.
func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     stripeSignatureTolerance,
		now:           time.Now,
	}
}

// NewStripeAdapterFromEnv creates a Stripe adapter configured from the
// environment.
func NewStripeAdapterFromEnv() *StripeAdapter {
	return NewStripeAdapter(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
}

func (a *StripeAdapter) Gateway() string {
	return models.GatewayStripe
}

// VerifySignature checks the Stripe-Signature header: HMAC-SHA256 of
// "<timestamp>.<body>" with the webhook signing secret, with a bounded
// timestamp tolerance against replays.
func (a *StripeAdapter) VerifySignature(ctx context.Context, headers map[string]string, rawBody []byte) error {
	_ = ctx
	if a.webhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is not configured: %w", ErrInvalidSignature)
	}
	header := headerValue(headers, "Stripe-Signature")
	if header == "" {
		return ErrInvalidSignature
	}

	var ts int64
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			candidates = append(candidates, sig)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return ErrInvalidSignature
	}

	age := a.now().Sub(time.Unix(ts, 0))
	if age > a.tolerance || age < -a.tolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(rawBody)
	expected := mac.Sum(nil)
	for _, sig := range candidates {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Identify peeks at the envelope for the dedup key.
func (a *StripeAdapter) Identify(rawBody []byte) (string, string, error) {
	var ev stripeEnvelope
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return "", "", fmt.Errorf("stripe envelope: %v: %w", err, ErrMissingField)
	}
	if ev.ID == "" {
		return "", "", fmt.Errorf("stripe event id: %w", ErrMissingField)
	}
	return ev.ID, ev.Type, nil
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	Created      int64  `json:"created"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// Normalize translates the Stripe event into the canonical shape.
func (a *StripeAdapter) Normalize(rawBody []byte) (*CanonicalEvent, error) {
	var ev stripeEnvelope
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("stripe envelope: %v: %w", err, ErrMissingField)
	}

	ce := &CanonicalEvent{
		Gateway: models.GatewayStripe,
		EventID: ev.ID,
	}

	switch ev.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("stripe subscription object: %v: %w", err, ErrMissingField)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("stripe subscription id: %w", ErrMissingField)
		}
		ce.GatewaySubscriptionID = sub.ID
		ce.UserID = metadataUserID(sub.Metadata)
		ce.PlanCode = sub.Metadata[models.MetadataKeyPlanCode]
		ce.Metadata = sub.Metadata
		if sub.CurrentPeriodStart > 0 {
			t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
			ce.PeriodStart = &t
		}
		if sub.CurrentPeriodEnd > 0 {
			t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ce.PeriodEnd = &t
		}
		switch ev.Type {
		case "customer.subscription.created":
			ce.Topic = TopicSubscriptionActivated
		case "customer.subscription.deleted":
			ce.Topic = TopicSubscriptionCancelled
		default:
			ce.Topic = TopicSubscriptionUpdated
		}
		ce.Status = stripeSubscriptionStatus(sub.Status, ev.Type == "customer.subscription.deleted")

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(ev.Data.Object, &inv); err != nil {
			return nil, fmt.Errorf("stripe invoice object: %v: %w", err, ErrMissingField)
		}
		if inv.Subscription == "" {
			return nil, fmt.Errorf("stripe invoice subscription ref: %w", ErrMissingField)
		}
		ce.Topic = TopicPaymentRecorded
		ce.GatewaySubscriptionID = inv.Subscription
		amount := inv.AmountPaid
		status := "succeeded"
		if ev.Type == "invoice.payment_failed" {
			amount = inv.AmountDue
			status = "failed"
		}
		ce.Payment = &PaymentInfo{
			AmountCents: amount,
			Currency:    strings.ToUpper(inv.Currency),
			Status:      status,
			PaidAt:      time.Unix(inv.Created, 0).UTC(),
		}

	case "checkout.session.completed":
		var cs stripeCheckoutSession
		if err := json.Unmarshal(ev.Data.Object, &cs); err != nil {
			return nil, fmt.Errorf("stripe checkout object: %v: %w", err, ErrMissingField)
		}
		// Subscription-mode checkouts are followed by their own
		// customer.subscription.* events; only one-time payments act here.
		if cs.Mode != "payment" {
			ce.Topic = TopicIgnored
			return ce, nil
		}
		ce.Topic = TopicOrderCompleted
		ce.GatewayOrderID = cs.ID
		ce.UserID = metadataUserID(cs.Metadata)
		ce.PackageCode = cs.Metadata["package_code"]
		ce.Metadata = cs.Metadata
		ce.Status = models.PurchaseStatusCompleted
		if cs.PaymentStatus != "" && cs.PaymentStatus != "paid" {
			ce.Status = models.PurchaseStatusPending
		}
		ce.Payment = &PaymentInfo{
			AmountCents: cs.AmountTotal,
			Currency:    strings.ToUpper(cs.Currency),
			Status:      cs.PaymentStatus,
			PaidAt:      time.Time{},
		}

	default:
		ce.Topic = TopicIgnored
	}

	return ce, nil
}

func stripeSubscriptionStatus(status string, deleted bool) string {
	if deleted {
		return models.SubscriptionStatusCancelled
	}
	switch status {
	case "active":
		return models.SubscriptionStatusActive
	case "trialing":
		return models.SubscriptionStatusTrialing
	case "past_due":
		return models.SubscriptionStatusPastDue
	case "unpaid", "paused", "incomplete":
		return models.SubscriptionStatusOnHold
	case "canceled", "incomplete_expired":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

func metadataUserID(metadata map[string]string) uint {
	raw := strings.TrimSpace(metadata[models.MetadataKeyUserID])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	// Header maps arrive with original casing from the HTTP layer; fall back
	// to a case-insensitive scan.
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
