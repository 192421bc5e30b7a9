package constants

// Static route constants
const (
	HealthRoute       = "/health"
	WebhooksRoute     = "/webhooks"
	StripeWebhookPath = "/stripe"
	PayPalWebhookPath = "/paypal"
	APIRoute          = "/api"
	APIVersionV1Route = "/v1"
	AdminRoute        = "/admin"
)
