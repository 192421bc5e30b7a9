package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarlonHaas/BidHive/app/models"
)

func TestPurchaseGrantsCreditsOnce(t *testing.T) {
	repo := newFakeRepository()
	m := NewCreditManager(repo, nil)

	in := PurchaseInput{
		UserID: 1, Gateway: models.GatewayPaypal, GatewayOrderID: "ord_1",
		PackageCode: "credits_100", Status: "completed",
	}
	first, err := m.Purchase(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, first.Status)
	assert.Equal(t, int64(100), first.CreditsGranted)

	// Duplicate confirmation: same row, no second grant.
	second, err := m.Purchase(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	q := repo.quotaByUser(1)
	require.NotNil(t, q)
	assert.Equal(t, int64(100), q.CreditBalance)
}

func TestPurchaseGrantSurvivesTransientFailure(t *testing.T) {
	repo := newFakeRepository()
	m := NewCreditManager(repo, nil)

	in := PurchaseInput{
		UserID: 1, Gateway: models.GatewayStripe, GatewayOrderID: "cs_1",
		PackageCode: "credits_100", Status: "completed",
	}

	repo.grantErr = assert.AnError
	_, err := m.Purchase(context.Background(), in)
	require.Error(t, err)

	// The failed grant must not leave the credited marker behind, or the
	// redelivered event would skip the increment and the credits would be
	// lost for good.
	p, err := repo.GetCreditPurchase(models.GatewayStripe, "cs_1")
	require.NoError(t, err)
	assert.Nil(t, p.CreditedAt)

	// Redelivery grants, and exactly once.
	_, err = m.Purchase(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(100), repo.quotaByUser(1).CreditBalance)

	_, err = m.Purchase(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(100), repo.quotaByUser(1).CreditBalance)
}

func TestPurchaseTwoOrdersSum(t *testing.T) {
	repo := newFakeRepository()
	m := NewCreditManager(repo, nil)

	_, err := m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayPaypal, GatewayOrderID: "ord_1",
		PackageCode: "credits_100", Status: "completed",
	})
	require.NoError(t, err)
	_, err = m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayPaypal, GatewayOrderID: "ord_2",
		PackageCode: "credits_500", Status: "completed",
	})
	require.NoError(t, err)

	q := repo.quotaByUser(1)
	assert.Equal(t, int64(600), q.CreditBalance)

	// Resending ord_1 leaves the post-ord_2 balance unchanged.
	_, err = m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayPaypal, GatewayOrderID: "ord_1",
		PackageCode: "credits_100", Status: "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(600), repo.quotaByUser(1).CreditBalance)
}

func TestPurchasePendingThenCompleted(t *testing.T) {
	repo := newFakeRepository()
	m := NewCreditManager(repo, nil)

	pending, err := m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayStripe, GatewayOrderID: "cs_1",
		PackageCode: "credits_100", Status: "pending",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusPending, pending.Status)
	assert.Nil(t, repo.quotaByUser(1), "no grant while pending")

	done, err := m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayStripe, GatewayOrderID: "cs_1",
		PackageCode: "credits_100", Status: "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, done.Status)
	assert.Equal(t, int64(100), repo.quotaByUser(1).CreditBalance)

	// Completion never downgrades back to pending.
	again, err := m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayStripe, GatewayOrderID: "cs_1",
		PackageCode: "credits_100", Status: "pending",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, again.Status)
	assert.Equal(t, int64(100), repo.quotaByUser(1).CreditBalance)
}

func TestPurchaseUnknownPackage(t *testing.T) {
	m := NewCreditManager(newFakeRepository(), nil)

	_, err := m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayPaypal, GatewayOrderID: "ord_1",
		PackageCode: "credits_999999", Status: "completed",
	})
	assert.ErrorIs(t, err, ErrUnknownPackage)
}

func TestPurchaseRequiresIdentifiers(t *testing.T) {
	m := NewCreditManager(newFakeRepository(), nil)

	tests := []struct {
		name string
		in   PurchaseInput
	}{
		{"missing user", PurchaseInput{Gateway: "paypal", GatewayOrderID: "o", PackageCode: "credits_100"}},
		{"missing order id", PurchaseInput{UserID: 1, Gateway: "paypal", PackageCode: "credits_100"}},
		{"missing package", PurchaseInput{UserID: 1, Gateway: "paypal", GatewayOrderID: "o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Purchase(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestUpdateOrderStatusGrantsOnCompletion(t *testing.T) {
	repo := newFakeRepository()
	m := NewCreditManager(repo, nil)

	_, err := m.Purchase(context.Background(), PurchaseInput{
		UserID: 1, Gateway: models.GatewayPaypal, GatewayOrderID: "ord_1",
		PackageCode: "credits_100", Status: "pending",
	})
	require.NoError(t, err)

	p, err := m.UpdateOrderStatus(context.Background(), models.GatewayPaypal, "ord_1", "completed", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, p.Status)
	assert.Equal(t, int64(100), repo.quotaByUser(1).CreditBalance)
}

func TestUpdateOrderStatusUnknownOrder(t *testing.T) {
	m := NewCreditManager(newFakeRepository(), nil)

	_, err := m.UpdateOrderStatus(context.Background(), models.GatewayPaypal, "ord_ghost", "completed", nil)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestNormalizePurchaseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"completed", models.PurchaseStatusCompleted},
		{"PAID", models.PurchaseStatusCompleted},
		{"approved", models.PurchaseStatusCompleted},
		{"captured", models.PurchaseStatusCompleted},
		{"declined", models.PurchaseStatusFailed},
		{"refunded", models.PurchaseStatusRefunded},
		{"", models.PurchaseStatusPending},
		{"something_else", models.PurchaseStatusPending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePurchaseStatus(tt.raw), tt.raw)
	}
}
