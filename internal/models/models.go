package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Cart statuses
const (
	CartStatusActive    = "active"
	CartStatusAbandoned = "abandoned"
	CartStatusConverted = "converted"
	CartStatusExpired   = "expired"
)

// Discount types and scopes
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"

	ApplicableToAll        = "all"
	ApplicableToProducts   = "products"
	ApplicableToCategories = "categories"
)

// JSONList is a slice persisted as a JSONB column.
type JSONList[T any] []T

// Value implements driver.Valuer
func (l JSONList[T]) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]T(l))
}

// Scan implements sql.Scanner
func (l *JSONList[T]) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = JSONList[T]{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// Address is a postal address stored as JSONB on orders.
type Address struct {
	Name       string `json:"name" binding:"required"`
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" binding:"required"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code" binding:"required"`
	Country    string `json:"country" binding:"required"`
	Phone      string `json:"phone,omitempty"`
}

// IsZero reports whether no field is set
func (a Address) IsZero() bool {
	return a == Address{}
}

// Value implements driver.Valuer
func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address source %T", src)
	}
}

// CartOwner identifies who a cart belongs to. Exactly one field is set.
type CartOwner struct {
	CustomerID string
	SessionID  string
}

func (o CartOwner) IsCustomer() bool { return o.CustomerID != "" }

func (o CartOwner) Valid() bool {
	return (o.CustomerID == "") != (o.SessionID == "")
}

// Cart is the mutable pre-purchase basket
type Cart struct {
	ID         string     `db:"id" json:"id"`
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	CustomerID *string    `db:"customer_id" json:"customer_id,omitempty"`
	SessionID  *string    `db:"session_id" json:"session_id,omitempty"`
	Status     string     `db:"status" json:"status"`
	Currency   string     `db:"currency" json:"currency"`
	Version    int64      `db:"version" json:"version"`
	Items      []CartItem `db:"-" json:"items"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`

	// ConvertedOrderID is the order whose confirmation converted the cart
	ConvertedOrderID *string `db:"converted_order_id" json:"converted_order_id,omitempty"`
}

// Subtotal is Σ unitPrice × quantity over the captured price snapshots.
func (c *Cart) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.LineTotal()
	}
	return total
}

func (c *Cart) IsActive() bool {
	return c.Status == CartStatusActive
}

// CartItem is a cart line with the price captured at add time
type CartItem struct {
	ID         string    `db:"id" json:"id"`
	CartID     string    `db:"cart_id" json:"cart_id"`
	ProductID  string    `db:"product_id" json:"product_id"`
	VariantID  string    `db:"variant_id" json:"variant_id,omitempty"`
	CategoryID string    `db:"category_id" json:"category_id,omitempty"`
	Quantity   int       `db:"quantity" json:"quantity"`
	UnitPrice  int64     `db:"unit_price" json:"unit_price"`
	AddedAt    time.Time `db:"added_at" json:"added_at"`
}

func (i CartItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

func (i CartItem) SameLine(productID, variantID string) bool {
	return i.ProductID == productID && i.VariantID == variantID
}

// MergeItems unions src into dst. Matching (product, variant) lines have their
// quantities summed and keep dst's price snapshot.
func MergeItems(dst, src []CartItem) []CartItem {
	out := make([]CartItem, len(dst), len(dst)+len(src))
	copy(out, dst)
	for _, s := range src {
		merged := false
		for i := range out {
			if out[i].SameLine(s.ProductID, s.VariantID) {
				out[i].Quantity += s.Quantity
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, s)
		}
	}
	return out
}

// CatalogEntry is the catalog's current view of a sellable product
type CatalogEntry struct {
	TenantID   string `db:"tenant_id" json:"tenant_id"`
	ProductID  string `db:"product_id" json:"product_id"`
	VariantID  string `db:"variant_id" json:"variant_id,omitempty"`
	CategoryID string `db:"category_id" json:"category_id,omitempty"`
	Price      int64  `db:"price" json:"price"`
	Currency   string `db:"currency" json:"currency"`
	InStock    bool   `db:"in_stock" json:"in_stock"`
	Backorder  bool   `db:"backorder" json:"backorder"`
}

// Amounts is an order's breakdown in integer minor units
type Amounts struct {
	Subtotal int64 `db:"subtotal" json:"subtotal"`
	Tax      int64 `db:"tax" json:"tax"`
	Shipping int64 `db:"shipping" json:"shipping"`
	Discount int64 `db:"discount" json:"discount"`
	Total    int64 `db:"total" json:"total"`
}

// ComputeTotal fills Total, never letting it go negative
func (a *Amounts) ComputeTotal() {
	a.Total = a.Subtotal + a.Tax + a.Shipping - a.Discount
	if a.Total < 0 {
		a.Total = 0
	}
}

// Order is a durable purchase record
type Order struct {
	ID               string     `db:"id" json:"id"`
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	CustomerID       string     `db:"customer_id" json:"customer_id"`
	CartID           string     `db:"cart_id" json:"cart_id"`
	CartVersion      int64      `db:"cart_version" json:"-"`
	OrderNumber      int64      `db:"order_number" json:"order_number"`
	Status           string     `db:"status" json:"status"`
	PaymentStatus    string     `db:"payment_status" json:"payment_status"`
	PaymentMethod    *string    `db:"payment_method" json:"payment_method,omitempty"`
	PaymentReference *string    `db:"payment_reference" json:"payment_reference,omitempty"`
	DiscountCode     *string    `db:"discount_code" json:"discount_code,omitempty"`
	Amounts          `json:"amounts"`
	Currency         string      `db:"currency" json:"currency"`
	ShippingAddress  Address     `db:"shipping_address" json:"shipping_address"`
	BillingAddress   Address     `db:"billing_address" json:"billing_address"`
	Items            []OrderItem `db:"-" json:"items"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
	ConfirmedAt      *time.Time  `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// OrderItem is a frozen snapshot of a cart line
type OrderItem struct {
	ID        string `db:"id" json:"id"`
	OrderID   string `db:"order_id" json:"order_id"`
	ProductID string `db:"product_id" json:"product_id"`
	VariantID string `db:"variant_id" json:"variant_id,omitempty"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
	LineTotal int64  `db:"line_total" json:"line_total"`
}

// Discount is a tenant-scoped code
type Discount struct {
	ID                string           `db:"id" json:"id"`
	TenantID          string           `db:"tenant_id" json:"tenant_id"`
	Code              string           `db:"code" json:"code"`
	Type              string           `db:"type" json:"type"`
	Value             int64            `db:"value" json:"value"`
	MinOrderAmount    *int64           `db:"min_order_amount" json:"min_order_amount,omitempty"`
	MaxDiscountAmount *int64           `db:"max_discount_amount" json:"max_discount_amount,omitempty"`
	UsageLimit        *int64           `db:"usage_limit" json:"usage_limit,omitempty"`
	PerCustomerLimit  *int64           `db:"per_customer_limit" json:"per_customer_limit,omitempty"`
	UsedCount         int64            `db:"used_count" json:"used_count"`
	Active            bool             `db:"active" json:"active"`
	StartsAt          *time.Time       `db:"starts_at" json:"starts_at,omitempty"`
	EndsAt            *time.Time       `db:"ends_at" json:"ends_at,omitempty"`
	ApplicableTo      string           `db:"applicable_to" json:"applicable_to"`
	ProductIDs        JSONList[string] `db:"product_ids" json:"product_ids,omitempty"`
	CategoryIDs       JSONList[string] `db:"category_ids" json:"category_ids,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
}

// Unavailable returns why the discount cannot be used at now, or "" if it can
func (d *Discount) Unavailable(now time.Time) string {
	if !d.Active {
		return DiscountReasonInactive
	}
	if (d.StartsAt != nil && now.Before(*d.StartsAt)) || (d.EndsAt != nil && !now.Before(*d.EndsAt)) {
		return DiscountReasonOutsideWindow
	}
	return ""
}

// Redemption consumes one use of a discount against an order
type Redemption struct {
	DiscountID string    `db:"discount_id" json:"discount_id"`
	OrderID    string    `db:"order_id" json:"order_id"`
	CustomerID string    `db:"customer_id" json:"customer_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Discount rejection reasons, in check order
const (
	DiscountReasonNotFound         = "discount code not found"
	DiscountReasonInactive         = "discount code is inactive"
	DiscountReasonOutsideWindow    = "discount code is not valid at this time"
	DiscountReasonBelowMinimum     = "order subtotal is below the discount minimum"
	DiscountReasonUsageExhausted   = "discount usage limit reached"
	DiscountReasonCustomerExceeded = "discount already used the maximum number of times by this customer"
	DiscountReasonNotApplicable    = "discount does not apply to any item in the cart"
)
