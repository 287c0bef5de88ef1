package service

import (
	"context"
	"strings"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"go.uber.org/zap"
)

// DiscountLine is the part of a cart line a discount scope looks at
type DiscountLine struct {
	ProductID  string
	CategoryID string
	LineTotal  int64
}

// DiscountInput is what a code is validated against
type DiscountInput struct {
	Subtotal   int64
	Lines      []DiscountLine
	CustomerID string
}

// DiscountResult is either an approved amount or a rejection reason
type DiscountResult struct {
	Approved bool             `json:"approved"`
	Amount   int64            `json:"amount,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Discount *models.Discount `json:"-"`
}

func rejected(reason string) *DiscountResult {
	return &DiscountResult{Approved: false, Reason: reason}
}

// DiscountLinesFromCart projects cart lines for scope checks
func DiscountLinesFromCart(cart *models.Cart) []DiscountLine {
	lines := make([]DiscountLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		lines = append(lines, DiscountLine{
			ProductID:  item.ProductID,
			CategoryID: item.CategoryID,
			LineTotal:  item.LineTotal(),
		})
	}
	return lines
}

// EvaluateDiscount applies the rules to a discount's current state. Checks run
// in order: inactive, validity window, minimum order, global usage, per-customer
// usage, then scope.
func EvaluateDiscount(d *models.Discount, in DiscountInput, customerUses int64, now time.Time) *DiscountResult {
	if reason := d.Unavailable(now); reason != "" {
		return rejected(reason)
	}
	if d.MinOrderAmount != nil && in.Subtotal < *d.MinOrderAmount {
		return rejected(models.DiscountReasonBelowMinimum)
	}
	if d.UsageLimit != nil && d.UsedCount >= *d.UsageLimit {
		return rejected(models.DiscountReasonUsageExhausted)
	}
	if d.PerCustomerLimit != nil && in.CustomerID != "" && customerUses >= *d.PerCustomerLimit {
		return rejected(models.DiscountReasonCustomerExceeded)
	}

	eligible := eligibleSubtotal(d, in)
	if eligible <= 0 {
		return rejected(models.DiscountReasonNotApplicable)
	}

	var amount int64
	switch d.Type {
	case models.DiscountTypePercentage:
		amount = (d.Value*eligible + 50) / 100
		if d.MaxDiscountAmount != nil && amount > *d.MaxDiscountAmount {
			amount = *d.MaxDiscountAmount
		}
	default:
		amount = d.Value
	}
	if amount > eligible {
		amount = eligible
	}
	return &DiscountResult{Approved: true, Amount: amount, Discount: d}
}

func eligibleSubtotal(d *models.Discount, in DiscountInput) int64 {
	switch d.ApplicableTo {
	case models.ApplicableToProducts:
		return sumLines(in.Lines, func(l DiscountLine) bool { return containsString(d.ProductIDs, l.ProductID) })
	case models.ApplicableToCategories:
		return sumLines(in.Lines, func(l DiscountLine) bool { return containsString(d.CategoryIDs, l.CategoryID) })
	default:
		return in.Subtotal
	}
}

func sumLines(lines []DiscountLine, match func(DiscountLine) bool) int64 {
	var total int64
	for _, l := range lines {
		if match(l) {
			total += l.LineTotal
		}
	}
	return total
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DiscountService validates codes and performs redemptions
type DiscountService struct {
	repo   DiscountRepository
	now    func() time.Time
	logger *zap.Logger
}

// NewDiscountService creates a new discount service
func NewDiscountService(repo DiscountRepository) *DiscountService {
	return &DiscountService{
		repo:   repo,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Validate previews a code against current discount state. It never changes usage counters.
func (ds *DiscountService) Validate(ctx context.Context, tenantID, code string, in DiscountInput) (result *DiscountResult, err error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.Validate", tenantID)
	defer func() { util.EndSpan(span, err) }()

	code = normalizeCode(code)
	if code == "" {
		return rejected(models.DiscountReasonNotFound), nil
	}

	d, err := ds.repo.GetDiscountByCode(ctx, tenantID, code)
	if apperr.IsNotFound(err) {
		return rejected(models.DiscountReasonNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	var customerUses int64
	if d.PerCustomerLimit != nil && in.CustomerID != "" {
		if customerUses, err = ds.repo.CountCustomerRedemptions(ctx, d.ID, in.CustomerID); err != nil {
			return nil, err
		}
	}
	return EvaluateDiscount(d, in, customerUses, ds.now()), nil
}

// Redeem consumes one use of code for orderID. Redeeming the same order twice is a no-op.
func (ds *DiscountService) Redeem(ctx context.Context, tenantID, code, orderID, customerID string) (err error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.Redeem", tenantID)
	defer func() { util.EndSpan(span, err) }()

	d, err := ds.repo.GetDiscountByCode(ctx, tenantID, normalizeCode(code))
	if apperr.IsNotFound(err) {
		return apperr.Validation(models.DiscountReasonNotFound)
	}
	if err != nil {
		return err
	}

	redeemed, err := ds.repo.Redeem(ctx, tenantID, models.Redemption{
		DiscountID: d.ID,
		OrderID:    orderID,
		CustomerID: customerID,
	})
	if err != nil {
		util.DiscountRedemptionsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if redeemed {
		util.DiscountRedemptionsTotal.WithLabelValues("redeemed").Inc()
		ds.logger.Info("Discount redeemed",
			zap.String("tenant_id", tenantID),
			zap.String("code", d.Code),
			zap.String("order_id", orderID))
	}
	return nil
}

// Release gives back the use an order consumed. Releasing twice is a no-op.
func (ds *DiscountService) Release(ctx context.Context, tenantID, code, orderID string) (err error) {
	ctx, span := util.StartSpan(ctx, "DiscountService.Release", tenantID)
	defer func() { util.EndSpan(span, err) }()

	d, err := ds.repo.GetDiscountByCode(ctx, tenantID, normalizeCode(code))
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	released, err := ds.repo.ReleaseRedemption(ctx, tenantID, d.ID, orderID)
	if err != nil {
		return err
	}
	if released {
		util.DiscountRedemptionsTotal.WithLabelValues("released").Inc()
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
