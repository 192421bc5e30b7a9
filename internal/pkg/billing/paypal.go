package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarlonHaas/BidHive/app/models"
	"github.com/MarlonHaas/BidHive/internal/pkg/env"
)

const defaultPayPalAPIBaseURL = "https://api-m.paypal.com"

// PayPalClient talks to the PayPal REST API. Endpoints are configurable so
// tests can point it at a local server.
type PayPalClient struct {
	ClientID     string
	ClientSecret string
	WebhookID    string

	APIBaseURL string

	HTTPClient *http.Client
}

// NewPayPalClientFromEnv creates a PayPal client configured from the
// environment.
func NewPayPalClientFromEnv() *PayPalClient {
	return &PayPalClient{
		ClientID:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		WebhookID:    strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		APIBaseURL:   strings.TrimRight(env.GetEnv("PAYPAL_API_BASE_URL", defaultPayPalAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *PayPalClient) fetchAccessToken(ctx context.Context) (string, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return "", fmt.Errorf("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET are not configured: %w", ErrGatewayCallFailed)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token request: %v: %w", err, ErrGatewayCallFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("paypal token response: %v: %w", err, ErrGatewayCallFailed)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token endpoint returned %d: %w", resp.StatusCode, ErrGatewayCallFailed)
	}

	var token paypalTokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("paypal token decode: %v: %w", err, ErrGatewayCallFailed)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("paypal token empty: %w", ErrGatewayCallFailed)
	}
	return token.AccessToken, nil
}

type paypalVerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type paypalVerifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhookSignature calls PayPal's verify-webhook-signature endpoint.
// Transport failures wrap ErrGatewayCallFailed so intake can ask the gateway
// to redeliver instead of rejecting as unauthorized.
func (c *PayPalClient) VerifyWebhookSignature(ctx context.Context, headers map[string]string, rawBody []byte) (bool, error) {
	if c.WebhookID == "" {
		return false, fmt.Errorf("PAYPAL_WEBHOOK_ID is not configured: %w", ErrGatewayCallFailed)
	}

	verifyReq := paypalVerifyRequest{
		AuthAlgo:         headerValue(headers, "Paypal-Auth-Algo"),
		CertURL:          headerValue(headers, "Paypal-Cert-Url"),
		TransmissionID:   headerValue(headers, "Paypal-Transmission-Id"),
		TransmissionSig:  headerValue(headers, "Paypal-Transmission-Sig"),
		TransmissionTime: headerValue(headers, "Paypal-Transmission-Time"),
		WebhookID:        c.WebhookID,
		WebhookEvent:     json.RawMessage(rawBody),
	}
	if verifyReq.TransmissionID == "" || verifyReq.TransmissionSig == "" {
		return false, nil
	}

	token, err := c.fetchAccessToken(ctx)
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(verifyReq)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.APIBaseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("PayPal-Request-Id", uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("paypal verify request: %v: %w", err, ErrGatewayCallFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("paypal verify response: %v: %w", err, ErrGatewayCallFailed)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("paypal verify endpoint returned %d: %w", resp.StatusCode, ErrGatewayCallFailed)
	}

	var verify paypalVerifyResponse
	if err := json.Unmarshal(body, &verify); err != nil {
		return false, fmt.Errorf("paypal verify decode: %v: %w", err, ErrGatewayCallFailed)
	}
	return verify.VerificationStatus == "SUCCESS", nil
}

// PayPalAdapter verifies and normalizes PayPal webhook payloads. BidHive
// creates PayPal subscriptions and orders with custom_id set to
// "<user_id>" or "<user_id>|<plan_or_package_code>", which is where the
// internal references are recovered from.
type PayPalAdapter struct {
	client *PayPalClient
}

// NewPayPalAdapter creates a PayPal adapter around the given client.
func NewPayPalAdapter(client *PayPalClient) *PayPalAdapter {
	return &PayPalAdapter{client: client}
}

func (a *PayPalAdapter) Gateway() string {
	return models.GatewayPaypal
}

func (a *PayPalAdapter) VerifySignature(ctx context.Context, headers map[string]string, rawBody []byte) error {
	ok, err := a.client.VerifyWebhookSignature(ctx, headers, rawBody)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

type paypalEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// Identify peeks at the envelope for the dedup key.
func (a *PayPalAdapter) Identify(rawBody []byte) (string, string, error) {
	var ev paypalEnvelope
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return "", "", fmt.Errorf("paypal envelope: %v: %w", err, ErrMissingField)
	}
	if ev.ID == "" {
		return "", "", fmt.Errorf("paypal event id: %w", ErrMissingField)
	}
	return ev.ID, ev.EventType, nil
}

type paypalAmount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
	// Older payment resources use total/currency instead.
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type paypalSubscriptionResource struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id"`
	Status      string `json:"status"`
	CustomID    string `json:"custom_id"`
	StartTime   string `json:"start_time"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Amount paypalAmount `json:"amount"`
			Time   string       `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

type paypalSaleResource struct {
	ID                 string       `json:"id"`
	State              string       `json:"state"`
	Amount             paypalAmount `json:"amount"`
	BillingAgreementID string       `json:"billing_agreement_id"`
	CreateTime         string       `json:"create_time"`
}

type paypalOrderResource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string       `json:"reference_id"`
		CustomID    string       `json:"custom_id"`
		Amount      paypalAmount `json:"amount"`
	} `json:"purchase_units"`
	// Capture resources carry these at the top level.
	CustomID string       `json:"custom_id"`
	Amount   paypalAmount `json:"amount"`
}

// Normalize translates the PayPal event into the canonical shape.
func (a *PayPalAdapter) Normalize(rawBody []byte) (*CanonicalEvent, error) {
	var ev paypalEnvelope
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("paypal envelope: %v: %w", err, ErrMissingField)
	}

	ce := &CanonicalEvent{
		Gateway: models.GatewayPaypal,
		EventID: ev.ID,
	}

	switch ev.EventType {
	case "BILLING.SUBSCRIPTION.ACTIVATED", "BILLING.SUBSCRIPTION.UPDATED",
		"BILLING.SUBSCRIPTION.SUSPENDED", "BILLING.SUBSCRIPTION.CANCELLED",
		"BILLING.SUBSCRIPTION.EXPIRED":
		var sub paypalSubscriptionResource
		if err := json.Unmarshal(ev.Resource, &sub); err != nil {
			return nil, fmt.Errorf("paypal subscription resource: %v: %w", err, ErrMissingField)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("paypal subscription id: %w", ErrMissingField)
		}
		ce.GatewaySubscriptionID = sub.ID
		ce.UserID, ce.PlanCode = splitCustomID(sub.CustomID)
		ce.Metadata = map[string]string{"paypal_plan_id": sub.PlanID}
		ce.Status = paypalSubscriptionStatus(sub.Status)
		if t := parsePayPalTime(sub.StartTime); t != nil {
			ce.PeriodStart = t
		}
		if t := parsePayPalTime(sub.BillingInfo.NextBillingTime); t != nil {
			ce.PeriodEnd = t
		}
		if amt := paypalAmountCents(sub.BillingInfo.LastPayment.Amount); amt > 0 {
			ce.Payment = &PaymentInfo{
				AmountCents: amt,
				Currency:    paypalCurrency(sub.BillingInfo.LastPayment.Amount),
				Status:      "completed",
			}
			if t := parsePayPalTime(sub.BillingInfo.LastPayment.Time); t != nil {
				ce.Payment.PaidAt = *t
			}
		}
		switch ev.EventType {
		case "BILLING.SUBSCRIPTION.ACTIVATED":
			ce.Topic = TopicSubscriptionActivated
		case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
			ce.Topic = TopicSubscriptionCancelled
		default:
			ce.Topic = TopicSubscriptionUpdated
		}

	case "PAYMENT.SALE.COMPLETED", "PAYMENT.SALE.DENIED":
		var sale paypalSaleResource
		if err := json.Unmarshal(ev.Resource, &sale); err != nil {
			return nil, fmt.Errorf("paypal sale resource: %v: %w", err, ErrMissingField)
		}
		if sale.BillingAgreementID == "" {
			return nil, fmt.Errorf("paypal sale billing agreement: %w", ErrMissingField)
		}
		ce.Topic = TopicPaymentRecorded
		ce.GatewaySubscriptionID = sale.BillingAgreementID
		status := "succeeded"
		if ev.EventType == "PAYMENT.SALE.DENIED" {
			status = "failed"
		}
		ce.Payment = &PaymentInfo{
			AmountCents: paypalAmountCents(sale.Amount),
			Currency:    paypalCurrency(sale.Amount),
			Status:      status,
		}
		if t := parsePayPalTime(sale.CreateTime); t != nil {
			ce.Payment.PaidAt = *t
		}

	case "CHECKOUT.ORDER.APPROVED", "PAYMENT.CAPTURE.COMPLETED":
		var order paypalOrderResource
		if err := json.Unmarshal(ev.Resource, &order); err != nil {
			return nil, fmt.Errorf("paypal order resource: %v: %w", err, ErrMissingField)
		}
		if order.ID == "" {
			return nil, fmt.Errorf("paypal order id: %w", ErrMissingField)
		}
		ce.Topic = TopicOrderCompleted
		ce.GatewayOrderID = order.ID
		ce.Status = models.PurchaseStatusCompleted

		customID := order.CustomID
		amount := order.Amount
		packageRef := ""
		if len(order.PurchaseUnits) > 0 {
			unit := order.PurchaseUnits[0]
			if unit.CustomID != "" {
				customID = unit.CustomID
			}
			amount = unit.Amount
			packageRef = unit.ReferenceID
		}
		ce.UserID, ce.PackageCode = splitCustomID(customID)
		if ce.PackageCode == "" {
			ce.PackageCode = packageRef
		}
		ce.Payment = &PaymentInfo{
			AmountCents: paypalAmountCents(amount),
			Currency:    paypalCurrency(amount),
			Status:      strings.ToLower(order.Status),
		}

	default:
		ce.Topic = TopicIgnored
	}

	return ce, nil
}

func paypalSubscriptionStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACTIVE":
		return models.SubscriptionStatusActive
	case "APPROVAL_PENDING", "APPROVED":
		return models.SubscriptionStatusTrialing
	case "SUSPENDED":
		return models.SubscriptionStatusOnHold
	case "CANCELLED", "EXPIRED":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

// splitCustomID parses the custom_id convention "<user_id>" or
// "<user_id>|<code>".
func splitCustomID(customID string) (uint, string) {
	parts := strings.SplitN(strings.TrimSpace(customID), "|", 2)
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, ""
	}
	code := ""
	if len(parts) == 2 {
		code = strings.TrimSpace(parts[1])
	}
	return uint(id), code
}

func paypalAmountCents(amount paypalAmount) int64 {
	raw := amount.Value
	if raw == "" {
		raw = amount.Total
	}
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(value * 100))
}

func paypalCurrency(amount paypalAmount) string {
	if amount.CurrencyCode != "" {
		return strings.ToUpper(amount.CurrencyCode)
	}
	return strings.ToUpper(amount.Currency)
}

func parsePayPalTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}
