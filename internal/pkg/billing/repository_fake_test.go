package billing

import (
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/MarlonHaas/BidHive/app/models"
)

// fakeRepository is an in-memory Repository with the same conditional-update
// semantics as the GORM implementation, so manager tests exercise the real
// idempotency paths without a database.
type fakeRepository struct {
	mu sync.Mutex

	nextID        uint
	subscriptions map[string]*models.Subscription   // key gateway|subID
	purchases     map[string]*models.CreditPurchase // key gateway|orderID
	quotas        map[uint]*models.UserQuota
	events        map[uint]*models.WebhookEvent
	eventKeys     map[string]uint // gateway|eventID -> id
	plans         map[string]*models.Plan
	packages      map[string]*models.CreditPackage

	// grantErr fails the next GrantPurchaseCredits call once.
	grantErr error
}

func newFakeRepository() *fakeRepository {
	r := &fakeRepository{
		subscriptions: map[string]*models.Subscription{},
		purchases:     map[string]*models.CreditPurchase{},
		quotas:        map[uint]*models.UserQuota{},
		events:        map[uint]*models.WebhookEvent{},
		eventKeys:     map[string]uint{},
		plans:         map[string]*models.Plan{},
		packages:      map[string]*models.CreditPackage{},
	}
	r.plans[models.PlanFree] = &models.Plan{
		Code: models.PlanFree, Name: "Free", Interval: models.PlanIntervalMonth,
		MaxProjects: 2, MaxTeams: 1, MaxProposals: 5, MaxRequests: 10, StorageLimitGB: 1, IsActive: true,
	}
	r.plans[models.PlanStarter] = &models.Plan{
		Code: models.PlanStarter, Name: "Starter", PriceCents: 990, Interval: models.PlanIntervalMonth,
		MaxProjects: 10, MaxTeams: 3, MaxProposals: 50, MaxRequests: 100, StorageLimitGB: 10, IsActive: true,
	}
	r.plans[models.PlanPro] = &models.Plan{
		Code: models.PlanPro, Name: "Pro", PriceCents: 2990, Interval: models.PlanIntervalMonth,
		MaxProjects: 50, MaxTeams: 10, MaxProposals: 500, MaxRequests: 1000, StorageLimitGB: 100, IsActive: true,
	}
	r.packages["credits_100"] = &models.CreditPackage{Code: "credits_100", Name: "100 Credits", Credits: 100, PriceCents: 490, IsActive: true}
	r.packages["credits_500"] = &models.CreditPackage{Code: "credits_500", Name: "500 Credits", Credits: 500, PriceCents: 1990, IsActive: true}
	return r
}

func (r *fakeRepository) id() uint {
	r.nextID++
	return r.nextID
}

func subKey(gateway, subID string) string { return gateway + "|" + subID }

func (r *fakeRepository) UpsertSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subKey(sub.Gateway, sub.GatewaySubscriptionID)
	if existing, ok := r.subscriptions[key]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.ID = r.id()
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	r.subscriptions[key] = &cp
	return nil
}

func (r *fakeRepository) GetSubscription(gateway, subID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subscriptions[subKey(gateway, subID)]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) SaveSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.UpdatedAt = time.Now()
	cp := *sub
	r.subscriptions[subKey(sub.Gateway, sub.GatewaySubscriptionID)] = &cp
	return nil
}

func (r *fakeRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subscriptions {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepository) GetLiveSubscriptionByUser(userID uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Subscription
	for _, sub := range r.subscriptions {
		if sub.UserID == userID && sub.IsLive() {
			if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
				best = sub
			}
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *fakeRepository) SupersedeLiveSubscriptions(userID uint, exceptGateway, exceptSubID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, sub := range r.subscriptions {
		if sub.UserID != userID || !sub.IsLive() {
			continue
		}
		if key == subKey(exceptGateway, exceptSubID) {
			continue
		}
		sub.Status = models.SubscriptionStatusSuperseded
		n++
	}
	return n, nil
}

func (r *fakeRepository) CountSubscriptionsByUser(userID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, sub := range r.subscriptions {
		if sub.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) CreateCreditPurchaseIfNotExists(p *models.CreditPurchase) (bool, *models.CreditPurchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subKey(p.Gateway, p.GatewayOrderID)
	if existing, ok := r.purchases[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	p.ID = r.id()
	p.CreatedAt = time.Now()
	cp := *p
	r.purchases[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepository) GetCreditPurchase(gateway, orderID string) (*models.CreditPurchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.purchases[subKey(gateway, orderID)]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) SaveCreditPurchase(p *models.CreditPurchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.purchases[subKey(p.Gateway, p.GatewayOrderID)] = &cp
	return nil
}

func (r *fakeRepository) GrantPurchaseCredits(purchaseID, userID uint, credits int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var target *models.CreditPurchase
	for _, p := range r.purchases {
		if p.ID == purchaseID {
			target = p
			break
		}
	}
	if target == nil || target.CreditedAt != nil {
		return false, nil
	}
	// One-shot injected failure. Like a rolled-back transaction, neither the
	// marker nor the balance change is persisted.
	if r.grantErr != nil {
		err := r.grantErr
		r.grantErr = nil
		return false, err
	}
	t := at
	target.CreditedAt = &t
	q, ok := r.quotas[userID]
	if !ok {
		q = models.DefaultUserQuota(userID, time.Now())
		q.ID = r.id()
		r.quotas[userID] = q
	}
	q.CreditBalance += credits
	return true, nil
}

func (r *fakeRepository) GetOrCreateUserQuota(userID uint) (*models.UserQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.quotas[userID]; ok {
		cp := *q
		return &cp, nil
	}
	q := models.DefaultUserQuota(userID, time.Now())
	q.ID = r.id()
	r.quotas[userID] = q
	cp := *q
	return &cp, nil
}

func (r *fakeRepository) AdjustQuotaCounter(userID uint, column string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[userID]
	if !ok {
		return nil
	}
	switch column {
	case "projects_owned":
		q.ProjectsOwned += delta
	case "teams_owned":
		q.TeamsOwned += delta
	case "proposals_owned":
		q.ProposalsOwned += delta
	case "requests_sent":
		q.RequestsSent += delta
	case "storage_used_mb":
		q.StorageUsedMB += delta
	case "credit_balance":
		q.CreditBalance += delta
	}
	return nil
}

func (r *fakeRepository) AdvanceQuotaCycle(userID uint, expectedPeriodEnd, newStart, newEnd time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[userID]
	if !ok || !q.PeriodEnd.Equal(expectedPeriodEnd) {
		return false, nil
	}
	q.PeriodStart = newStart
	q.PeriodEnd = newEnd
	q.RequestsSent = 0
	return true, nil
}

func (r *fakeRepository) CreateWebhookEventIfNotExists(ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subKey(ev.Gateway, ev.GatewayEventID)
	if id, ok := r.eventKeys[key]; ok {
		cp := *r.events[id]
		return false, &cp, nil
	}
	ev.ID = r.id()
	cp := *ev
	r.events[ev.ID] = &cp
	r.eventKeys[key] = ev.ID
	out := cp
	return true, &out, nil
}

func (r *fakeRepository) ClaimWebhookEvent(id uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok || ev.Status != models.WebhookStatusPending {
		return false, nil
	}
	ev.Status = models.WebhookStatusProcessing
	return true, nil
}

func (r *fakeRepository) MarkWebhookProcessed(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[id]; ok {
		now := time.Now()
		ev.Status = models.WebhookStatusProcessed
		ev.ProcessedAt = &now
		ev.LastError = ""
	}
	return nil
}

func (r *fakeRepository) ReleaseWebhookEvent(id uint, attempts int, lastError string, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[id]; ok {
		ev.Attempts = attempts
		ev.LastError = lastError
		if failed {
			ev.Status = models.WebhookStatusFailed
		} else {
			ev.Status = models.WebhookStatusPending
		}
	}
	return nil
}

func (r *fakeRepository) ListPendingWebhookEvents(limit int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WebhookEvent
	for _, ev := range r.events {
		if ev.Status == models.WebhookStatusPending {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepository) RequeueFailedWebhookEvents(maxAttempts int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, ev := range r.events {
		if ev.Status == models.WebhookStatusFailed && ev.Attempts < maxAttempts {
			ev.Status = models.WebhookStatusPending
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) GetPlan(code string) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plans[code]; ok && p.IsActive {
		cp := *p
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) GetCreditPackage(code string) (*models.CreditPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.packages[code]; ok && p.IsActive {
		cp := *p
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) ListCreditPackages() ([]models.CreditPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CreditPackage
	for _, p := range r.packages {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

// helpers

func (r *fakeRepository) eventByID(id uint) *models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[id]; ok {
		cp := *ev
		return &cp
	}
	return nil
}

func (r *fakeRepository) quotaByUser(userID uint) *models.UserQuota {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.quotas[userID]; ok {
		cp := *q
		return &cp
	}
	return nil
}
