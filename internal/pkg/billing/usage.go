package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/MarlonHaas/BidHive/app/models"
)

const usageCacheTTL = 30 * time.Second

// UsageState is the dashboard-facing usage summary.
type UsageState struct {
	UserID        uint           `json:"user_id"`
	PlanCode      string         `json:"plan_code"`
	Counts        ResourceCounts `json:"counts"`
	StorageUsedMB int64          `json:"storage_used_mb"`
	CreditBalance int64          `json:"credit_balance"`
	PeriodStart   time.Time      `json:"period_start"`
	PeriodEnd     time.Time      `json:"period_end"`
}

// SubscriptionDetails pairs the live subscription with its plan. Subscription
// is nil and Plan falls back to the free tier when the user has none.
type SubscriptionDetails struct {
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Plan         *models.Plan         `json:"plan,omitempty"`
}

// UsageService is the read path for quotas plus the usage-update interface
// the resource CRUD routers call. Reads run the opportunistic cycle check
// first, so stale periods heal on access.
type UsageService struct {
	repo   Repository
	cycles *CycleManager
	cache  *redis.Client
}

// NewUsageService creates a usage service. cache may be nil to disable the
// read cache.
func NewUsageService(repo Repository, cycles *CycleManager, cache *redis.Client) *UsageService {
	return &UsageService{repo: repo, cycles: cycles, cache: cache}
}

// GetUsageState returns the user's current usage snapshot.
func (s *UsageService) GetUsageState(ctx context.Context, userID uint) (*UsageState, error) {
	if userID == 0 {
		return nil, fmt.Errorf("usage state: %w", ErrMissingField)
	}

	if cached := s.readCache(ctx, userID); cached != nil {
		return cached, nil
	}

	if _, err := s.cycles.CheckAndManageCycle(ctx, userID); err != nil {
		return nil, err
	}
	q, err := s.repo.GetOrCreateUserQuota(userID)
	if err != nil {
		return nil, err
	}

	// PlanCode stays empty without a live subscription, so limit resolution
	// fails closed. Legitimate users always have one: bootstrap creates the
	// free-tier subscription on signup.
	state := &UsageState{
		UserID: userID,
		Counts: ResourceCounts{
			Projects:  q.ProjectsOwned,
			Teams:     q.TeamsOwned,
			Proposals: q.ProposalsOwned,
			Requests:  q.RequestsSent,
		},
		StorageUsedMB: q.StorageUsedMB,
		CreditBalance: q.CreditBalance,
		PeriodStart:   q.PeriodStart,
		PeriodEnd:     q.PeriodEnd,
	}
	if sub, err := s.repo.GetLiveSubscriptionByUser(userID); err == nil {
		state.PlanCode = sub.PlanCode
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	s.writeCache(ctx, userID, state)
	return state, nil
}

// GetSubscriptionDetails returns the live subscription and its plan.
func (s *UsageService) GetSubscriptionDetails(ctx context.Context, userID uint) (*SubscriptionDetails, error) {
	if userID == 0 {
		return nil, fmt.Errorf("subscription details: %w", ErrMissingField)
	}
	if _, err := s.cycles.CheckAndManageCycle(ctx, userID); err != nil {
		return nil, err
	}

	details := &SubscriptionDetails{}
	sub, err := s.repo.GetLiveSubscriptionByUser(userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	} else {
		details.Subscription = sub
	}

	planCode := models.PlanFree
	if details.Subscription != nil {
		planCode = details.Subscription.PlanCode
	}
	if plan, err := s.repo.GetPlan(planCode); err == nil {
		details.Plan = plan
	}
	return details, nil
}

// RecordResourceChange adjusts an ownership counter by delta. This is the
// usage-update interface consumed by the resource CRUD collaborators after a
// create or delete is persisted.
func (s *UsageService) RecordResourceChange(ctx context.Context, userID uint, kind ResourceKind, delta int64) error {
	column, err := quotaColumn(kind)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetOrCreateUserQuota(userID); err != nil {
		return err
	}
	if err := s.repo.AdjustQuotaCounter(userID, column, delta); err != nil {
		return err
	}
	s.invalidateCache(ctx, userID)
	return nil
}

// RecordStorageChange adjusts the storage usage counter by deltaMB.
func (s *UsageService) RecordStorageChange(ctx context.Context, userID uint, deltaMB int64) error {
	if _, err := s.repo.GetOrCreateUserQuota(userID); err != nil {
		return err
	}
	if err := s.repo.AdjustQuotaCounter(userID, "storage_used_mb", deltaMB); err != nil {
		return err
	}
	s.invalidateCache(ctx, userID)
	return nil
}

// InvalidateUsageCache drops the cached snapshot, used by collaborators that
// mutate quota rows directly through the repository.
func (s *UsageService) InvalidateUsageCache(ctx context.Context, userID uint) {
	s.invalidateCache(ctx, userID)
}

func quotaColumn(kind ResourceKind) (string, error) {
	switch kind {
	case ResourceProjects:
		return "projects_owned", nil
	case ResourceTeams:
		return "teams_owned", nil
	case ResourceProposals:
		return "proposals_owned", nil
	case ResourceRequests:
		return "requests_sent", nil
	default:
		return "", fmt.Errorf("resource kind %q: %w", kind, ErrMissingField)
	}
}

func usageCacheKey(userID uint) string {
	return fmt.Sprintf("usage:state:%d", userID)
}

func (s *UsageService) readCache(ctx context.Context, userID uint) *UsageState {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, usageCacheKey(userID)).Result()
	if err != nil {
		return nil
	}
	var state UsageState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil
	}
	return &state
}

func (s *UsageService) writeCache(ctx context.Context, userID uint, state *UsageState) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, usageCacheKey(userID), raw, usageCacheTTL).Err(); err != nil {
		log.Debugf("[Billing] usage cache write failed for user %d: %v", userID, err)
	}
}

func (s *UsageService) invalidateCache(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, usageCacheKey(userID)).Err(); err != nil {
		log.Debugf("[Billing] usage cache invalidation failed for user %d: %v", userID, err)
	}
}
