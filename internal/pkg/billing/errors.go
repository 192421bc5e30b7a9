package billing

import "errors"

// Error taxonomy for the billing core. The processor classifies handler
// failures with errors.Is: ErrMissingField and ErrUnknownPackage are fatal
// (malformed payloads do not get better on retry), everything else is
// retryable up to the attempt ceiling.
var (
	// ErrInvalidSignature rejects a webhook at intake; the event is never queued.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUnknownGateway means no adapter is registered for the gateway name.
	ErrUnknownGateway = errors.New("unknown payment gateway")

	// ErrMissingField marks a malformed request or payload.
	ErrMissingField = errors.New("missing required field")

	// ErrUnknownPackage means the event references a credit package that is
	// not in the catalog.
	ErrUnknownPackage = errors.New("unknown credit package")

	// ErrGatewayCallFailed wraps transport failures of outbound gateway calls.
	ErrGatewayCallFailed = errors.New("gateway call failed")

	// ErrSubscriptionNotFound is returned for events that reference a
	// subscription the ledger has not seen yet; retryable, since the
	// activation event may simply not have arrived.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrOrderNotFound is the credit-purchase counterpart of
	// ErrSubscriptionNotFound.
	ErrOrderNotFound = errors.New("credit order not found")
)
