package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateDiscountPercentage(t *testing.T) {
	d := &models.Discount{Type: models.DiscountTypePercentage, Value: 10, Active: true, ApplicableTo: models.ApplicableToAll}

	result := EvaluateDiscount(d, DiscountInput{Subtotal: 10000}, 0, time.Now())

	require.True(t, result.Approved)
	assert.Equal(t, int64(1000), result.Amount)
}

func TestEvaluateDiscountRoundsHalfUp(t *testing.T) {
	d := &models.Discount{Type: models.DiscountTypePercentage, Value: 15, Active: true}

	result := EvaluateDiscount(d, DiscountInput{Subtotal: 1010}, 0, time.Now())

	assert.Equal(t, int64(152), result.Amount) // 151.5
}

func TestEvaluateDiscountClamps(t *testing.T) {
	pct := &models.Discount{Type: models.DiscountTypePercentage, Value: 50, Active: true, MaxDiscountAmount: int64Ptr(2000)}
	assert.Equal(t, int64(2000), EvaluateDiscount(pct, DiscountInput{Subtotal: 10000}, 0, time.Now()).Amount)

	fixed := &models.Discount{Type: models.DiscountTypeFixed, Value: 5000, Active: true}
	assert.Equal(t, int64(3000), EvaluateDiscount(fixed, DiscountInput{Subtotal: 3000}, 0, time.Now()).Amount)
	assert.Equal(t, int64(5000), EvaluateDiscount(fixed, DiscountInput{Subtotal: 9000}, 0, time.Now()).Amount)
}

func TestEvaluateDiscountRejections(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name     string
		discount models.Discount
		input    DiscountInput
		uses     int64
		reason   string
	}{
		{
			name:     "inactive",
			discount: models.Discount{Active: false, UsedCount: 10, UsageLimit: int64Ptr(1)},
			reason:   models.DiscountReasonInactive,
		},
		{
			name:     "not started",
			discount: models.Discount{Active: true, StartsAt: &future},
			reason:   models.DiscountReasonOutsideWindow,
		},
		{
			name:     "ended",
			discount: models.Discount{Active: true, EndsAt: &past},
			reason:   models.DiscountReasonOutsideWindow,
		},
		{
			name:     "below minimum before usage",
			discount: models.Discount{Active: true, MinOrderAmount: int64Ptr(20000), UsedCount: 5, UsageLimit: int64Ptr(5)},
			input:    DiscountInput{Subtotal: 10000},
			reason:   models.DiscountReasonBelowMinimum,
		},
		{
			name:     "global usage exhausted",
			discount: models.Discount{Active: true, UsedCount: 5, UsageLimit: int64Ptr(5), PerCustomerLimit: int64Ptr(1)},
			input:    DiscountInput{Subtotal: 10000, CustomerID: "c1"},
			uses:     1,
			reason:   models.DiscountReasonUsageExhausted,
		},
		{
			name:     "per customer exhausted",
			discount: models.Discount{Active: true, PerCustomerLimit: int64Ptr(1)},
			input:    DiscountInput{Subtotal: 10000, CustomerID: "c1"},
			uses:     1,
			reason:   models.DiscountReasonCustomerExceeded,
		},
		{
			name:     "no eligible lines",
			discount: models.Discount{Active: true, ApplicableTo: models.ApplicableToCategories, CategoryIDs: models.JSONList[string]{"bags"}},
			input:    DiscountInput{Subtotal: 10000, Lines: []DiscountLine{{ProductID: "p1", CategoryID: "shoes", LineTotal: 10000}}},
			reason:   models.DiscountReasonNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.discount
			d.Type = models.DiscountTypeFixed
			d.Value = 100

			result := EvaluateDiscount(&d, tt.input, tt.uses, now)

			assert.False(t, result.Approved)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestEvaluateDiscountScopedToCategory(t *testing.T) {
	d := &models.Discount{
		Type:         models.DiscountTypePercentage,
		Value:        20,
		Active:       true,
		ApplicableTo: models.ApplicableToCategories,
		CategoryIDs:  models.JSONList[string]{"hats"},
	}
	in := DiscountInput{
		Subtotal: 12500,
		Lines: []DiscountLine{
			{ProductID: "p1", CategoryID: "shoes", LineTotal: 10000},
			{ProductID: "p2", CategoryID: "hats", LineTotal: 2500},
		},
	}

	result := EvaluateDiscount(d, in, 0, time.Now())

	require.True(t, result.Approved)
	assert.Equal(t, int64(500), result.Amount)
}

func TestValidateUnknownCodeIsARejection(t *testing.T) {
	f := newFixture(t)

	result, err := f.discounts.Validate(context.Background(), tenant, "NOPE", DiscountInput{Subtotal: 10000})

	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, models.DiscountReasonNotFound, result.Reason)
}

func TestValidateIsCaseInsensitiveAndReadOnly(t *testing.T) {
	f := newFixture(t)
	f.save10(int64Ptr(1))

	for i := 0; i < 3; i++ {
		result, err := f.discounts.Validate(context.Background(), tenant, " save10 ", DiscountInput{Subtotal: 10000})
		require.NoError(t, err)
		assert.True(t, result.Approved)
		assert.Equal(t, int64(1000), result.Amount)
	}

	d, err := f.store.GetDiscountByCode(context.Background(), tenant, "SAVE10")
	require.NoError(t, err)
	assert.Zero(t, d.UsedCount)
}

func TestRedeemIsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t)
	f.save10(int64Ptr(5))
	ctx := context.Background()

	require.NoError(t, f.discounts.Redeem(ctx, tenant, "SAVE10", "order-1", "c1"))
	require.NoError(t, f.discounts.Redeem(ctx, tenant, "SAVE10", "order-1", "c1"))

	d, err := f.store.GetDiscountByCode(ctx, tenant, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.UsedCount)

	require.NoError(t, f.discounts.Release(ctx, tenant, "SAVE10", "order-1"))
	require.NoError(t, f.discounts.Release(ctx, tenant, "SAVE10", "order-1"))

	d, err = f.store.GetDiscountByCode(ctx, tenant, "SAVE10")
	require.NoError(t, err)
	assert.Zero(t, d.UsedCount)
}

func TestRedeemUnknownCode(t *testing.T) {
	f := newFixture(t)

	err := f.discounts.Redeem(context.Background(), tenant, "NOPE", "order-1", "c1")

	assert.True(t, apperr.IsValidation(err))
}

func TestConcurrentRedemptionsNeverExceedLimit(t *testing.T) {
	f := newFixture(t)
	f.save10(int64Ptr(5))

	var wg sync.WaitGroup
	var redeemed, exhausted int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := f.discounts.Redeem(context.Background(), tenant, "SAVE10", fmt.Sprintf("order-%d", i), fmt.Sprintf("c%d", i))
			switch {
			case err == nil:
				atomic.AddInt32(&redeemed, 1)
			case apperr.ReasonOf(err) == models.DiscountReasonUsageExhausted:
				atomic.AddInt32(&exhausted, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(5), redeemed)
	assert.Equal(t, int32(35), exhausted)

	d, err := f.store.GetDiscountByCode(context.Background(), tenant, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, int64(5), d.UsedCount)
}
