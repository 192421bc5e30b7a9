package billing

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/MarlonHaas/BidHive/internal/pkg/activitylog"
)

// Service bundles the billing components behind one constructor so handlers
// and the composition root wire them identically.
type Service struct {
	Repo          Repository
	Cycles        *CycleManager
	Subscriptions *SubscriptionManager
	Credits       *CreditManager
	Usage         *UsageService
	Processor     *Processor
}

// NewServiceFromDB builds the full billing stack over a database handle.
// Gateway credentials come from the environment; cache may be nil.
func NewServiceFromDB(db *gorm.DB, cache *redis.Client) *Service {
	repo := NewRepository(db)
	activity := activitylog.NewEmitter(db)
	cycles := NewCycleManager(repo)
	subs := NewSubscriptionManager(repo, cycles, activity)
	credits := NewCreditManager(repo, activity)
	usage := NewUsageService(repo, cycles, cache)
	processor := NewProcessor(repo, subs, credits,
		NewStripeAdapterFromEnv(),
		NewPayPalAdapter(NewPayPalClientFromEnv()),
	)
	return &Service{
		Repo:          repo,
		Cycles:        cycles,
		Subscriptions: subs,
		Credits:       credits,
		Usage:         usage,
		Processor:     processor,
	}
}
