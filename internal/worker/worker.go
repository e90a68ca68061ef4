package worker

import (
	"context"
	"fmt"
	"log"

	"deal-service/internal/broker"
	"deal-service/internal/service"

	"github.com/robfig/cron/v3"
)

// ChainWorker consumes the blockchain runner's job-outcome channel and feeds
// it through the reconciler.
type ChainWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewChainWorker creates a new chain worker
func NewChainWorker(consumer *broker.Consumer, reconciler *service.Reconciler) *ChainWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnChainJobFinalized(reconciler.HandleChainFinalized)

	return &ChainWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *ChainWorker) Start(ctx context.Context) error {
	log.Println("Starting chain event worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleChainMessage)
}

// Stop stops the worker
func (w *ChainWorker) Stop() error {
	log.Println("Stopping chain event worker...")
	return w.consumer.Close()
}

// StorageWorker consumes the pinning service's job-outcome channel.
type StorageWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewStorageWorker creates a new storage worker
func NewStorageWorker(consumer *broker.Consumer, reconciler *service.Reconciler) *StorageWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnStorageJobDone(reconciler.HandleStorageJobDone)

	return &StorageWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *StorageWorker) Start(ctx context.Context) error {
	log.Println("Starting storage event worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleStorageMessage)
}

// Stop stops the worker
func (w *StorageWorker) Stop() error {
	log.Println("Stopping storage event worker...")
	return w.consumer.Close()
}

// SweepScheduler runs the periodic maintenance jobs: the reconciliation drift
// sweep, offer expiry, and idempotency garbage collection.
type SweepScheduler struct {
	cron *cron.Cron
}

// NewSweepScheduler creates the scheduler with all sweeps registered.
func NewSweepScheduler(intervalSeconds int, reconciler *service.Reconciler, offers *service.OfferService, purgeIdempotency func(context.Context) (int64, error)) (*SweepScheduler, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %ds", intervalSeconds)

	if _, err := c.AddFunc(spec, func() {
		reconciler.SweepDrift(context.Background())
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(spec, func() {
		offers.SweepExpired(context.Background())
	}); err != nil {
		return nil, err
	}

	// Idempotency records live much longer than one sweep interval; hourly
	// collection is plenty.
	if _, err := c.AddFunc("@hourly", func() {
		if n, err := purgeIdempotency(context.Background()); err != nil {
			log.Printf("Idempotency purge failed: %v", err)
		} else if n > 0 {
			log.Printf("Purged %d expired idempotency records", n)
		}
	}); err != nil {
		return nil, err
	}

	return &SweepScheduler{cron: c}, nil
}

// Start starts the scheduler
func (s *SweepScheduler) Start() {
	log.Println("Starting sweep scheduler...")
	s.cron.Start()
}

// Stop stops the scheduler, waiting for running jobs to finish.
func (s *SweepScheduler) Stop() {
	log.Println("Stopping sweep scheduler...")
	<-s.cron.Stop().Done()
}
