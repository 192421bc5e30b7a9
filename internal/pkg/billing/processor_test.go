package billing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarlonHaas/BidHive/app/models"
)

// stubAdapter normalizes a trivial JSON shape so processor tests control the
// canonical event directly.
type stubAdapter struct {
	gateway   string
	verifyErr error
	normalize func(rawBody []byte) (*CanonicalEvent, error)
}

func (a *stubAdapter) Gateway() string { return a.gateway }

func (a *stubAdapter) VerifySignature(ctx context.Context, headers map[string]string, rawBody []byte) error {
	return a.verifyErr
}

func (a *stubAdapter) Identify(rawBody []byte) (string, string, error) {
	var env struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rawBody, &env); err != nil || env.ID == "" {
		return "", "", ErrMissingField
	}
	return env.ID, env.Type, nil
}

func (a *stubAdapter) Normalize(rawBody []byte) (*CanonicalEvent, error) {
	return a.normalize(rawBody)
}

func newTestProcessor(repo *fakeRepository, adapter GatewayAdapter) *Processor {
	cycles := NewCycleManager(repo)
	subs := NewSubscriptionManager(repo, cycles, nil)
	credits := NewCreditManager(repo, nil)
	return NewProcessor(repo, subs, credits, adapter)
}

func testPayload(id string) []byte {
	return []byte(`{"id":"` + id + `","type":"test.event"}`)
}

func TestReceiveQueuesPendingEvent(t *testing.T) {
	repo := newFakeRepository()
	p := newTestProcessor(repo, &stubAdapter{gateway: "stripe"})

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusPending, ev.Status)
	assert.Equal(t, "evt_1", ev.GatewayEventID)
}

func TestReceiveDuplicateDeliveryIsSilentAccept(t *testing.T) {
	repo := newFakeRepository()
	p := newTestProcessor(repo, &stubAdapter{gateway: "stripe"})

	first, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)
	second, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	pending, err := repo.ListPendingWebhookEvents(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReceiveRejectsInvalidSignature(t *testing.T) {
	repo := newFakeRepository()
	p := newTestProcessor(repo, &stubAdapter{gateway: "stripe", verifyErr: ErrInvalidSignature})

	_, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	pending, err := repo.ListPendingWebhookEvents(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected events never reach the queue")
}

func TestReceiveUnknownGateway(t *testing.T) {
	p := newTestProcessor(newFakeRepository(), &stubAdapter{gateway: "stripe"})
	_, err := p.Receive(context.Background(), "altpay", testPayload("evt_1"), nil)
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

func TestReceiveFallsBackToPayloadHash(t *testing.T) {
	repo := newFakeRepository()
	p := newTestProcessor(repo, &stubAdapter{gateway: "stripe"})

	body := []byte(`{"type":"test.event"}`)
	first, err := p.Receive(context.Background(), "stripe", body, nil)
	require.NoError(t, err)
	assert.Contains(t, first.GatewayEventID, "hash:")

	// Redelivery of the identical body still deduplicates.
	second, err := p.Receive(context.Background(), "stripe", body, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestProcessOneAppliesEvent(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "stripe",
		normalize: func([]byte) (*CanonicalEvent, error) {
			return &CanonicalEvent{
				Gateway: "stripe", Topic: TopicSubscriptionActivated,
				UserID: 1, GatewaySubscriptionID: "sub_1",
				PlanCode: models.PlanStarter, Status: "active",
			}, nil
		},
	}
	p := newTestProcessor(repo, adapter)

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessOne(context.Background(), ev))

	stored := repo.eventByID(ev.ID)
	assert.Equal(t, models.WebhookStatusProcessed, stored.Status)

	sub, err := repo.GetSubscription("stripe", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestProcessOneSkipsUnclaimableEvent(t *testing.T) {
	repo := newFakeRepository()
	p := newTestProcessor(repo, &stubAdapter{gateway: "stripe"})

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)

	// Another worker already claimed it.
	claimed, err := repo.ClaimWebhookEvent(ev.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.NoError(t, p.ProcessOne(context.Background(), ev))
	assert.Equal(t, models.WebhookStatusProcessing, repo.eventByID(ev.ID).Status)
}

func TestRetryableFailureGoesBackToPending(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "stripe",
		normalize: func([]byte) (*CanonicalEvent, error) {
			// Payment for a subscription the ledger has not seen yet.
			return &CanonicalEvent{
				Gateway: "stripe", Topic: TopicPaymentRecorded,
				GatewaySubscriptionID: "sub_unseen",
				Payment:               &PaymentInfo{AmountCents: 990},
			}, nil
		},
	}
	p := newTestProcessor(repo, adapter)

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)

	err = p.ProcessOne(context.Background(), ev)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	stored := repo.eventByID(ev.ID)
	assert.Equal(t, models.WebhookStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotEmpty(t, stored.LastError)
}

func TestFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "stripe",
		normalize: func([]byte) (*CanonicalEvent, error) {
			return &CanonicalEvent{
				Gateway: "stripe", Topic: TopicPaymentRecorded,
				GatewaySubscriptionID: "sub_unseen",
				Payment:               &PaymentInfo{},
			}, nil
		},
	}
	p := newTestProcessor(repo, adapter)

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		stored := repo.eventByID(ev.ID)
		_ = p.ProcessOne(context.Background(), stored)
	}

	stored := repo.eventByID(ev.ID)
	assert.Equal(t, models.WebhookStatusFailed, stored.Status)
	assert.Equal(t, DefaultMaxAttempts, stored.Attempts)

	// Failed events are excluded from the regular sweep.
	processed, failed, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, failed)
}

func TestMalformedPayloadFailsWithoutRetry(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "stripe",
		normalize: func([]byte) (*CanonicalEvent, error) {
			return nil, ErrMissingField
		},
	}
	p := newTestProcessor(repo, adapter)

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)

	err = p.ProcessOne(context.Background(), ev)
	assert.ErrorIs(t, err, ErrMissingField)

	stored := repo.eventByID(ev.ID)
	assert.Equal(t, models.WebhookStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRetryFailedRequeues(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "stripe",
		normalize: func([]byte) (*CanonicalEvent, error) {
			return nil, ErrMissingField
		},
	}
	p := newTestProcessor(repo, adapter)

	ev, err := p.Receive(context.Background(), "stripe", testPayload("evt_1"), nil)
	require.NoError(t, err)
	_ = p.ProcessOne(context.Background(), ev)
	require.Equal(t, models.WebhookStatusFailed, repo.eventByID(ev.ID).Status)

	requeued, err := p.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Equal(t, models.WebhookStatusPending, repo.eventByID(ev.ID).Status)
}

func TestProcessQueueContinuesPastFailures(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "stripe",
		normalize: func(rawBody []byte) (*CanonicalEvent, error) {
			var env struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(rawBody, &env)
			if env.ID == "evt_bad" {
				return nil, ErrMissingField
			}
			return &CanonicalEvent{
				Gateway: "stripe", Topic: TopicSubscriptionActivated,
				UserID: 1, GatewaySubscriptionID: "sub_" + env.ID,
				PlanCode: models.PlanStarter, Status: "active",
			}, nil
		},
	}
	p := newTestProcessor(repo, adapter)

	for _, id := range []string{"evt_1", "evt_bad", "evt_2"} {
		_, err := p.Receive(context.Background(), "stripe", testPayload(id), nil)
		require.NoError(t, err)
	}

	processed, failed, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, failed)
}

func TestProcessQueueOrderCompletedGrantsCredits(t *testing.T) {
	repo := newFakeRepository()
	adapter := &stubAdapter{
		gateway: "paypal",
		normalize: func([]byte) (*CanonicalEvent, error) {
			return &CanonicalEvent{
				Gateway: "paypal", Topic: TopicOrderCompleted,
				UserID: 9, GatewayOrderID: "ord_9",
				PackageCode: "credits_500", Status: "completed",
			}, nil
		},
	}
	p := newTestProcessor(repo, adapter)

	// Delivered twice before the sweep runs: one queue row, one grant.
	_, err := p.Receive(context.Background(), "paypal", testPayload("evt_9"), nil)
	require.NoError(t, err)
	_, err = p.Receive(context.Background(), "paypal", testPayload("evt_9"), nil)
	require.NoError(t, err)

	processed, failed, err := p.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)
	assert.Equal(t, int64(500), repo.quotaByUser(9).CreditBalance)
}

func TestCancelledTopicTerminatesSubscription(t *testing.T) {
	repo := newFakeRepository()
	topic := TopicSubscriptionActivated
	adapter := &stubAdapter{
		gateway: "paypal",
		normalize: func([]byte) (*CanonicalEvent, error) {
			return &CanonicalEvent{
				Gateway: "paypal", Topic: topic,
				UserID: 1, GatewaySubscriptionID: "I-1",
				PlanCode: models.PlanPro, Status: "active",
			}, nil
		},
	}
	p := newTestProcessor(repo, adapter)

	ev, err := p.Receive(context.Background(), "paypal", testPayload("evt_a"), nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessOne(context.Background(), ev))

	topic = TopicSubscriptionCancelled
	ev, err = p.Receive(context.Background(), "paypal", testPayload("evt_b"), nil)
	require.NoError(t, err)
	require.NoError(t, p.ProcessOne(context.Background(), ev))

	sub, err := repo.GetSubscription("paypal", "I-1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, sub.Status)
}
