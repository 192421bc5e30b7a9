// Package entitlements maps a user's plan to concrete resource allowances and
// enforces them at the points where resources are created or modified.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/MarlonHaas/BidHive/internal/pkg/billing"
)

// PlanLimits is the per-plan allowance set checked by the guard. A zero limit
// means the resource is not available on the plan.
type PlanLimits struct {
	Projects       int64 `json:"projects"`
	Teams          int64 `json:"teams"`
	Proposals      int64 `json:"proposals"`
	Requests       int64 `json:"requests"`
	StorageLimitGB int64 `json:"storage_limit_gb"`
}

// Limit returns the allowance for a resource kind.
func (pl PlanLimits) Limit(kind billing.ResourceKind) int64 {
	switch kind {
	case billing.ResourceProjects:
		return pl.Projects
	case billing.ResourceTeams:
		return pl.Teams
	case billing.ResourceProposals:
		return pl.Proposals
	case billing.ResourceRequests:
		return pl.Requests
	default:
		return 0
	}
}

// LimitExceededError reports which allowance blocked an operation.
type LimitExceededError struct {
	Kind  billing.ResourceKind
	Limit int64
	Count int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit reached (%d of %d in use)", e.Kind, e.Count, e.Limit)
}

// Guard answers "may this user create or keep this resource" questions.
// Creation is blocked once the counter reaches the allowance; modifying an
// existing resource stays allowed until the counter actually exceeds it, so a
// downgrade never locks users out of what they already own.
type Guard struct {
	repo  billing.Repository
	usage *billing.UsageService
}

// NewGuard creates a guard over the billing repository and usage service.
func NewGuard(repo billing.Repository, usage *billing.UsageService) *Guard {
	return &Guard{repo: repo, usage: usage}
}

// PlanLimits resolves the allowance set for a plan code. An unknown code
// fails closed with zero allowances rather than granting anything.
func (g *Guard) PlanLimits(ctx context.Context, planCode string) (PlanLimits, error) {
	_ = ctx
	plan, err := g.repo.GetPlan(strings.ToLower(strings.TrimSpace(planCode)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PlanLimits{}, nil
		}
		return PlanLimits{}, err
	}
	return PlanLimits{
		Projects:       plan.MaxProjects,
		Teams:          plan.MaxTeams,
		Proposals:      plan.MaxProposals,
		Requests:       plan.MaxRequests,
		StorageLimitGB: plan.StorageLimitGB,
	}, nil
}

// ResourceCounts returns the user's live counters from the usage snapshot.
func (g *Guard) ResourceCounts(ctx context.Context, userID uint) (billing.ResourceCounts, error) {
	state, err := g.usage.GetUsageState(ctx, userID)
	if err != nil {
		return billing.ResourceCounts{}, err
	}
	return state.Counts, nil
}

// EnsureWithinCreateLimit checks whether the user may create one more
// resource of the given kind. The check is count >= limit: a user at exactly
// the allowance is full.
func (g *Guard) EnsureWithinCreateLimit(ctx context.Context, userID uint, kind billing.ResourceKind) error {
	limits, counts, err := g.lookup(ctx, userID)
	if err != nil {
		return err
	}
	limit := limits.Limit(kind)
	count := counts.Count(kind)
	if count >= limit {
		return &LimitExceededError{Kind: kind, Limit: limit, Count: count}
	}
	return nil
}

// EnsureCanModify checks whether the user may keep operating on an existing
// resource of the given kind. Modification only fails once the counter is
// strictly above the allowance.
func (g *Guard) EnsureCanModify(ctx context.Context, userID uint, kind billing.ResourceKind) error {
	limits, counts, err := g.lookup(ctx, userID)
	if err != nil {
		return err
	}
	limit := limits.Limit(kind)
	count := counts.Count(kind)
	if count > limit {
		return &LimitExceededError{Kind: kind, Limit: limit, Count: count}
	}
	return nil
}

func (g *Guard) lookup(ctx context.Context, userID uint) (PlanLimits, billing.ResourceCounts, error) {
	state, err := g.usage.GetUsageState(ctx, userID)
	if err != nil {
		return PlanLimits{}, billing.ResourceCounts{}, err
	}
	limits, err := g.PlanLimits(ctx, state.PlanCode)
	if err != nil {
		return PlanLimits{}, billing.ResourceCounts{}, err
	}
	return limits, state.Counts, nil
}
