package service

import "storefront-commerce/internal/models"

// TaxPolicy computes tax for an order subtotal
type TaxPolicy interface {
	Tax(tenantID string, subtotal int64, shipTo models.Address) int64
}

// ShippingPolicy computes the shipping charge for an order subtotal
type ShippingPolicy interface {
	Shipping(tenantID string, subtotal int64, shipTo models.Address) int64
}

// FlatRateTax charges a fixed rate in basis points, rounded half up
type FlatRateTax struct {
	RateBasisPoints int64
}

func (t FlatRateTax) Tax(_ string, subtotal int64, _ models.Address) int64 {
	if subtotal <= 0 || t.RateBasisPoints <= 0 {
		return 0
	}
	return (subtotal*t.RateBasisPoints + 5000) / 10000
}

// FlatShipping charges Amount unless the subtotal reaches FreeOver (0 disables)
type FlatShipping struct {
	Amount   int64
	FreeOver int64
}

func (s FlatShipping) Shipping(_ string, subtotal int64, _ models.Address) int64 {
	if s.FreeOver > 0 && subtotal >= s.FreeOver {
		return 0
	}
	return s.Amount
}
