package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payment methods
const (
	PaymentMethodCOD  = "cod"
	PaymentMethodCard = "card"
)

// AuthorizationResult is a processor's answer to an authorize call
type AuthorizationResult struct {
	Success   bool
	Reference string
	Reason    string
}

// Processor authorizes payments for one method. Amounts are minor units.
type Processor interface {
	Authorize(ctx context.Context, amount int64, currency string) (*AuthorizationResult, error)
	// SettlesOnDelivery is true for methods collected out of band after delivery
	SettlesOnDelivery() bool
}

// CODProcessor always authorizes; the money is collected by the courier
type CODProcessor struct{}

func (CODProcessor) Authorize(_ context.Context, _ int64, _ string) (*AuthorizationResult, error) {
	return &AuthorizationResult{
		Success:   true,
		Reference: fmt.Sprintf("COD-%s", uuid.New().String()[:8]),
	}, nil
}

func (CODProcessor) SettlesOnDelivery() bool { return true }

// MockCardProcessor stands in for a card gateway: it approves a configurable
// share of requests after a random delay
type MockCardProcessor struct {
	SuccessRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockCardProcessor creates a mock processor with the given approval rate
func NewMockCardProcessor(successRate float64) *MockCardProcessor {
	return &MockCardProcessor{
		SuccessRate: successRate,
		MinLatency:  100 * time.Millisecond,
		MaxLatency:  500 * time.Millisecond,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *MockCardProcessor) Authorize(ctx context.Context, amount int64, _ string) (*AuthorizationResult, error) {
	p.mu.Lock()
	delay := p.MinLatency
	if span := p.MaxLatency - p.MinLatency; span > 0 {
		delay += time.Duration(p.rnd.Int63n(int64(span)))
	}
	approved := p.rnd.Float64() < p.SuccessRate
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	if amount < 0 {
		return &AuthorizationResult{Success: false, Reason: "invalid_amount"}, nil
	}
	if !approved {
		return &AuthorizationResult{Success: false, Reason: "mock_payment_declined"}, nil
	}
	return &AuthorizationResult{
		Success:   true,
		Reference: fmt.Sprintf("TXN-%s", uuid.New().String()[:8]),
	}, nil
}

func (p *MockCardProcessor) SettlesOnDelivery() bool { return false }

// PaymentService routes authorizations to the processor registered for a
// method and bounds each call with a timeout
type PaymentService struct {
	processors map[string]Processor
	timeout    time.Duration
	logger     *zap.Logger
}

// NewPaymentService creates a payment service over the given processors
func NewPaymentService(timeout time.Duration, processors map[string]Processor) *PaymentService {
	return &PaymentService{
		processors: processors,
		timeout:    timeout,
		logger:     util.GetLogger(),
	}
}

// IsSupported reports whether a processor is registered for method
func (ps *PaymentService) IsSupported(method string) bool {
	_, ok := ps.processors[method]
	return ok
}

// SettlesOnDelivery reports whether method is collected after delivery
func (ps *PaymentService) SettlesOnDelivery(method string) bool {
	p, ok := ps.processors[method]
	return ok && p.SettlesOnDelivery()
}

// Authorize asks the method's processor to authorize amount. A decline, a
// processor error and a timeout all come back as a payment error; none of
// them is ever treated as success.
func (ps *PaymentService) Authorize(ctx context.Context, tenantID, orderID, method string, amount int64, currency string) (reference string, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Authorize", tenantID)
	defer func() { util.EndSpan(span, err) }()

	processor, ok := ps.processors[method]
	if !ok {
		return "", apperr.Validation("unsupported payment method")
	}

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	callCtx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	ps.logger.Info("Processing payment",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("method", method),
		zap.Int64("amount", amount))

	result, err := processor.Authorize(callCtx, amount, currency)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		util.PaymentAttemptsTotal.WithLabelValues(method, "timeout").Inc()
		ps.logger.Warn("Payment timed out", zap.String("order_id", orderID))
		return "", apperr.Payment("payment timed out, please try again", err)
	case err != nil:
		util.PaymentAttemptsTotal.WithLabelValues(method, "error").Inc()
		ps.logger.Error("Payment processor error", zap.String("order_id", orderID), zap.Error(err))
		return "", apperr.Payment("payment could not be processed, please try again", err)
	case !result.Success:
		util.PaymentAttemptsTotal.WithLabelValues(method, "declined").Inc()
		ps.logger.Warn("Payment declined",
			zap.String("order_id", orderID),
			zap.String("reason", result.Reason))
		return "", apperr.Payment("payment was declined, please try again", errors.New(result.Reason))
	}

	util.PaymentAttemptsTotal.WithLabelValues(method, "authorized").Inc()
	ps.logger.Info("Payment authorized",
		zap.String("order_id", orderID),
		zap.String("reference", result.Reference))
	return result.Reference, nil
}
