package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/MarlonHaas/BidHive/app/models"
)

const (
	// DefaultMaxAttempts is how often a handler failure is retried before the
	// event is parked as failed.
	DefaultMaxAttempts = 5
	// DefaultRetryCeiling is the raised attempt ceiling applied when failed
	// events are swept back into the queue.
	DefaultRetryCeiling = 8
	// DefaultBatchSize bounds one queue sweep.
	DefaultBatchSize = 50
)

// Processor is the durable webhook pipeline: verified intake with
// deduplication, claimed processing with retry bookkeeping, and a failed-event
// sweep. The queue delivers at least once; the managers it dispatches into
// guarantee at-most-once effect through their idempotency keys.
type Processor struct {
	repo     Repository
	subs     *SubscriptionManager
	credits  *CreditManager
	adapters map[string]GatewayAdapter

	maxAttempts  int
	retryCeiling int
	now          func() time.Time
}

// NewProcessor creates a processor dispatching into the given managers.
func NewProcessor(repo Repository, subs *SubscriptionManager, credits *CreditManager, adapters ...GatewayAdapter) *Processor {
	m := make(map[string]GatewayAdapter, len(adapters))
	for _, a := range adapters {
		m[a.Gateway()] = a
	}
	return &Processor{
		repo:         repo,
		subs:         subs,
		credits:      credits,
		adapters:     m,
		maxAttempts:  DefaultMaxAttempts,
		retryCeiling: DefaultRetryCeiling,
		now:          time.Now,
	}
}

// Receive verifies a gateway callback and persists it as a pending queue
// record. Duplicate delivery before processing is a silent accept: the
// existing record is returned. A signature failure is never queued.
func (p *Processor) Receive(ctx context.Context, gateway string, rawBody []byte, headers map[string]string) (*models.WebhookEvent, error) {
	adapter, ok := p.adapters[strings.ToLower(strings.TrimSpace(gateway))]
	if !ok {
		return nil, fmt.Errorf("gateway %q: %w", gateway, ErrUnknownGateway)
	}

	if err := adapter.VerifySignature(ctx, headers, rawBody); err != nil {
		return nil, err
	}

	eventID, eventType, err := adapter.Identify(rawBody)
	if err != nil || eventID == "" {
		// Payload without a usable event id: fall back to a content hash so
		// redelivery still deduplicates.
		sum := sha256.Sum256(rawBody)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	ev := &models.WebhookEvent{
		Gateway:        adapter.Gateway(),
		GatewayEventID: eventID,
		EventType:      eventType,
		PayloadJSON:    string(rawBody),
		Status:         models.WebhookStatusPending,
		ReceivedAt:     p.now(),
	}
	created, stored, err := p.repo.CreateWebhookEventIfNotExists(ev)
	if err != nil {
		return nil, fmt.Errorf("persist webhook event: %w", err)
	}
	if !created {
		log.Infof("[Webhook] duplicate delivery ignored: %s %s", stored.Gateway, stored.GatewayEventID)
	}
	return stored, nil
}

// ProcessOne claims and processes a single queue record. The claim is a
// conditional pending->processing transition, so overlapping queue sweeps
// never run the same handler twice; losing the claim is a silent no-op. On
// handler failure the event goes back to pending until the attempt ceiling,
// then it is parked as failed for operator review. Malformed payloads skip
// retries entirely.
func (p *Processor) ProcessOne(ctx context.Context, ev *models.WebhookEvent) error {
	claimed, err := p.repo.ClaimWebhookEvent(ev.ID)
	if err != nil {
		return fmt.Errorf("claim webhook event %d: %w", ev.ID, err)
	}
	if !claimed {
		return nil
	}

	dispatchErr := p.dispatch(ctx, ev)
	if dispatchErr == nil {
		if err := p.repo.MarkWebhookProcessed(ev.ID); err != nil {
			return fmt.Errorf("mark webhook processed %d: %w", ev.ID, err)
		}
		return nil
	}

	attempts := ev.Attempts + 1
	failed := attempts >= p.maxAttempts || isFatal(dispatchErr)
	if err := p.repo.ReleaseWebhookEvent(ev.ID, attempts, dispatchErr.Error(), failed); err != nil {
		return fmt.Errorf("release webhook event %d: %w", ev.ID, err)
	}
	if failed {
		log.Errorf("[Webhook] event %d (%s %s) failed permanently after %d attempts: %v",
			ev.ID, ev.Gateway, ev.GatewayEventID, attempts, dispatchErr)
	} else {
		log.Warnf("[Webhook] event %d (%s %s) attempt %d failed, will retry: %v",
			ev.ID, ev.Gateway, ev.GatewayEventID, attempts, dispatchErr)
	}
	return dispatchErr
}

// ProcessQueue pulls up to batchSize pending events, oldest first, and
// processes each one. A single event's failure never aborts the batch.
func (p *Processor) ProcessQueue(ctx context.Context, batchSize int) (processed, failed int, err error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	events, err := p.repo.ListPendingWebhookEvents(batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending webhook events: %w", err)
	}
	for i := range events {
		if err := p.ProcessOne(ctx, &events[i]); err != nil {
			failed++
			continue
		}
		processed++
	}
	if processed > 0 || failed > 0 {
		log.Infof("[Webhook] queue sweep done: %d processed, %d failed", processed, failed)
	}
	return processed, failed, nil
}

// RetryFailed re-enqueues failed events whose attempt count is still below
// the raised ceiling, e.g. after an operator cleared the underlying problem.
func (p *Processor) RetryFailed(ctx context.Context) (int64, error) {
	_ = ctx
	requeued, err := p.repo.RequeueFailedWebhookEvents(p.retryCeiling)
	if err != nil {
		return 0, fmt.Errorf("requeue failed webhook events: %w", err)
	}
	if requeued > 0 {
		log.Infof("[Webhook] re-enqueued %d failed events", requeued)
	}
	return requeued, nil
}

func (p *Processor) dispatch(ctx context.Context, ev *models.WebhookEvent) error {
	adapter, ok := p.adapters[ev.Gateway]
	if !ok {
		return fmt.Errorf("gateway %q: %w", ev.Gateway, ErrUnknownGateway)
	}
	ce, err := adapter.Normalize([]byte(ev.PayloadJSON))
	if err != nil {
		return err
	}

	switch ce.Topic {
	case TopicIgnored:
		return nil

	case TopicSubscriptionActivated, TopicSubscriptionUpdated:
		_, err := p.subs.Activate(ctx, ActivateInput{
			UserID:                ce.UserID,
			Gateway:               ce.Gateway,
			GatewaySubscriptionID: ce.GatewaySubscriptionID,
			PlanCode:              ce.PlanCode,
			Status:                ce.Status,
			Payment:               ce.Payment,
			PeriodStart:           ce.PeriodStart,
			PeriodEnd:             ce.PeriodEnd,
			Metadata:              ce.Metadata,
		})
		return err

	case TopicSubscriptionCancelled:
		_, err := p.subs.Cancel(ctx, ce.Gateway, ce.GatewaySubscriptionID)
		return err

	case TopicPaymentRecorded:
		if ce.Payment == nil {
			return fmt.Errorf("payment event without payment info: %w", ErrMissingField)
		}
		return p.subs.UpdatePaymentStatus(ctx, ce.Gateway, ce.GatewaySubscriptionID, *ce.Payment)

	case TopicOrderCompleted:
		_, err := p.credits.Purchase(ctx, PurchaseInput{
			UserID:         ce.UserID,
			Gateway:        ce.Gateway,
			GatewayOrderID: ce.GatewayOrderID,
			PackageCode:    ce.PackageCode,
			Status:         ce.Status,
			Payment:        ce.Payment,
			Metadata:       ce.Metadata,
		})
		return err

	default:
		return fmt.Errorf("topic %q: %w", ce.Topic, ErrMissingField)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrMissingField) || errors.Is(err, ErrUnknownPackage)
}
