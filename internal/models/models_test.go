package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartSubtotal(t *testing.T) {
	cart := &Cart{Items: []CartItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 1000},
		{ProductID: "p2", Quantity: 1, UnitPrice: 500},
	}}

	assert.Equal(t, int64(2500), cart.Subtotal())
}

func TestMergeItems(t *testing.T) {
	dst := []CartItem{
		{ProductID: "p1", Quantity: 1, UnitPrice: 1000},
		{ProductID: "p2", VariantID: "red", Quantity: 1, UnitPrice: 700},
	}
	src := []CartItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 900},
		{ProductID: "p2", VariantID: "blue", Quantity: 3, UnitPrice: 700},
	}

	merged := MergeItems(dst, src)

	require.Len(t, merged, 3)
	assert.Equal(t, 3, merged[0].Quantity)
	assert.Equal(t, int64(1000), merged[0].UnitPrice, "destination price snapshot wins")
	assert.Equal(t, 1, merged[1].Quantity)
	assert.Equal(t, "blue", merged[2].VariantID)
	assert.Equal(t, 1, dst[0].Quantity, "input must not be mutated")
}

func TestAmountsNeverNegative(t *testing.T) {
	a := Amounts{Subtotal: 500, Tax: 0, Shipping: 0, Discount: 900}
	a.ComputeTotal()
	assert.Equal(t, int64(0), a.Total)

	b := Amounts{Subtotal: 10000, Tax: 800, Shipping: 500, Discount: 1000}
	b.ComputeTotal()
	assert.Equal(t, int64(10300), b.Total)
}

func TestOrderStatusGraph(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{OrderStatusPending, OrderStatusConfirmed, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusConfirmed, OrderStatusProcessing, true},
		{OrderStatusConfirmed, OrderStatusCancelled, false},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusDelivered, OrderStatusRefunded, true},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusRefunded, OrderStatusConfirmed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransitionOrder(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPaymentStatusGraph(t *testing.T) {
	assert.True(t, CanTransitionPayment(PaymentStatusPending, PaymentStatusProcessing))
	assert.True(t, CanTransitionPayment(PaymentStatusProcessing, PaymentStatusFailed))
	assert.True(t, CanTransitionPayment(PaymentStatusFailed, PaymentStatusPending))
	assert.True(t, CanTransitionPayment(PaymentStatusSucceeded, PaymentStatusPartiallyRefunded))
	assert.False(t, CanTransitionPayment(PaymentStatusFailed, PaymentStatusSucceeded))
	assert.False(t, CanTransitionPayment(PaymentStatusRefunded, PaymentStatusSucceeded))
}

func TestWishlistIsSet(t *testing.T) {
	c := &Customer{}
	now := time.Now()

	assert.True(t, c.AddToWishlist("p1", now))
	assert.False(t, c.AddToWishlist("p1", now))
	assert.True(t, c.AddToWishlist("p2", now))
	assert.Len(t, c.Wishlist, 2)

	assert.True(t, c.RemoveFromWishlist("p1"))
	assert.False(t, c.RemoveFromWishlist("p1"))
	assert.Equal(t, "p2", c.Wishlist[0].ProductID)
}

func TestUpsertAddressKeepsSingleDefault(t *testing.T) {
	c := &Customer{}

	home := c.UpsertAddress(SavedAddress{Label: "home"})
	assert.True(t, home.IsDefault, "first address becomes default")

	work := c.UpsertAddress(SavedAddress{Label: "work", IsDefault: true})
	require.Len(t, c.Addresses, 2)

	defaults := 0
	for _, a := range c.Addresses {
		if a.IsDefault {
			defaults++
			assert.Equal(t, work.ID, a.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	home.Label = "home-2"
	home.IsDefault = false
	c.UpsertAddress(home)
	assert.Len(t, c.Addresses, 2)
	assert.Equal(t, "home-2", c.Addresses[0].Label)
}

func TestAppendOrderSummaryIdempotent(t *testing.T) {
	c := &Customer{}
	s := OrderSummary{OrderID: "o1", OrderNumber: 1}

	assert.True(t, c.AppendOrderSummary(s))
	assert.False(t, c.AppendOrderSummary(s))
	assert.Len(t, c.Orders, 1)
}

func TestJSONListRoundTripsThroughScanner(t *testing.T) {
	in := JSONList[string]{"a", "b"}
	v, err := in.Value()
	require.NoError(t, err)

	var out JSONList[string]
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	require.NoError(t, out.Scan(nil))
	assert.Empty(t, out)
}
