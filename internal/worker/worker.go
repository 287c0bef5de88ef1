package worker

import (
	"context"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/broker"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"go.uber.org/zap"
)

// Finalizer completes an authorized checkout
type Finalizer interface {
	Finalize(ctx context.Context, tenantID, orderID, reference string) (*models.Order, error)
}

// FinalizeWorker consumes FinalizeRequested events and retries the
// post-payment writes the request path could not finish
type FinalizeWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	finalizer    Finalizer
	logger       *zap.Logger
}

// NewFinalizeWorker creates a new finalize worker
func NewFinalizeWorker(consumer *broker.Consumer, finalizer Finalizer) *FinalizeWorker {
	w := &FinalizeWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		finalizer:    finalizer,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnFinalizeRequested(w.handleFinalizeRequested)
	return w
}

// Start starts the worker
func (w *FinalizeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting finalize worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *FinalizeWorker) Stop() error {
	w.logger.Info("Stopping finalize worker")
	return w.consumer.Close()
}

// handleFinalizeRequested returns an error only for failures worth
// redelivering. An order that is gone or can no longer be finalized is
// acknowledged so the partition keeps moving.
func (w *FinalizeWorker) handleFinalizeRequested(ctx context.Context, event *models.FinalizeRequestedEvent) error {
	fields := util.OrderFields(event.TenantID, event.OrderID)

	order, err := w.finalizer.Finalize(ctx, event.TenantID, event.OrderID, event.PaymentReference)
	switch {
	case err == nil:
		w.logger.Info("Order finalized by worker", append(fields, zap.String("status", order.Status))...)
		return nil
	case apperr.IsInvalidState(err) || apperr.IsNotFound(err):
		w.logger.Warn("Skipping finalize request", append(fields, zap.Error(err))...)
		return nil
	default:
		return err
	}
}

// Locker hands out exclusive, expiring locks
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, name, token string) (bool, error)
}

// Sweeper runs a batch job on an interval. With a Locker set only one
// instance across the deployment runs a given round.
type Sweeper struct {
	name     string
	interval time.Duration
	lock     Locker
	run      func(ctx context.Context) (int, error)
	logger   *zap.Logger
}

func newSweeper(name string, interval time.Duration, lock Locker, run func(ctx context.Context) (int, error)) *Sweeper {
	return &Sweeper{
		name:     name,
		interval: interval,
		lock:     lock,
		run:      run,
		logger:   util.GetLogger().With(zap.String("sweeper", name)),
	}
}

// CartExpirer expires idle carts
type CartExpirer interface {
	ExpireStaleCarts(ctx context.Context, ttl time.Duration, limit int) (int, error)
}

// NewCartExpirySweeper expires carts idle for longer than ttl, limit per round
func NewCartExpirySweeper(carts CartExpirer, ttl, interval time.Duration, limit int, lock Locker) *Sweeper {
	return newSweeper("cart-expiry", interval, lock, func(ctx context.Context) (int, error) {
		return carts.ExpireStaleCarts(ctx, ttl, limit)
	})
}

// Reconciler settles stuck payment claims
type Reconciler interface {
	Reconcile(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// NewPaymentReconciler settles orders whose payment claim is older than
// grace. grace must exceed the payment timeout or live requests get raced.
func NewPaymentReconciler(checkout Reconciler, grace, interval time.Duration, limit int, lock Locker) *Sweeper {
	return newSweeper("payment-reconciler", interval, lock, func(ctx context.Context) (int, error) {
		return checkout.Reconcile(ctx, grace, limit)
	})
}

// Start runs a round every interval until ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sweeper")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce runs a single round. It reports zero without running when another
// instance holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.lock != nil {
		token, err := s.lock.AcquireLock(ctx, s.name, s.interval)
		if err != nil {
			return 0, err
		}
		if token == "" {
			s.logger.Debug("Sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if _, err := s.lock.ReleaseLock(context.WithoutCancel(ctx), s.name, token); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	n, err := s.run(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Info("Sweep finished", zap.Int("affected", n))
	}
	return n, nil
}
