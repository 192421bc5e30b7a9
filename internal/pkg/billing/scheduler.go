package billing

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/MarlonHaas/BidHive/internal/pkg/env"
)

// Scheduler drives the webhook queue in the background: a frequent sweep of
// pending events and a slower sweep that re-enqueues failed ones. Webhook
// intake only records; the schedule here is what actually applies events to
// the ledger.
type Scheduler struct {
	processor *Processor
	batchSize int

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for the given processor.
func NewScheduler(processor *Processor) *Scheduler {
	return &Scheduler{
		processor: processor,
		batchSize: DefaultBatchSize,
	}
}

// Start registers the cron entries and starts the scheduler. Calling Start on
// a running scheduler is a no-op. Intervals come from BILLING_QUEUE_INTERVAL
// and BILLING_RETRY_INTERVAL (cron specs, "@every" accepted).
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	queueSpec := env.GetEnv("BILLING_QUEUE_INTERVAL", "@every 5m")
	retrySpec := env.GetEnv("BILLING_RETRY_INTERVAL", "@every 6h")

	c := cron.New()
	if _, err := c.AddFunc(queueSpec, s.sweepQueue); err != nil {
		return err
	}
	if _, err := c.AddFunc(retrySpec, s.sweepFailed); err != nil {
		return err
	}
	c.Start()

	s.cron = c
	s.running = true
	log.Infof("[Billing Scheduler] started (queue %s, retry %s)", queueSpec, retrySpec)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
	s.running = false
	log.Info("[Billing Scheduler] stopped")
}

func (s *Scheduler) sweepQueue() {
	if _, _, err := s.processor.ProcessQueue(context.Background(), s.batchSize); err != nil {
		log.Errorf("[Billing Scheduler] queue sweep: %v", err)
	}
}

func (s *Scheduler) sweepFailed() {
	if _, err := s.processor.RetryFailed(context.Background()); err != nil {
		log.Errorf("[Billing Scheduler] failed-event sweep: %v", err)
	}
}
