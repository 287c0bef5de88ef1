package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer is a per-tenant shopper identity. Email is the natural key per tenant.
type Customer struct {
	ID        string                 `db:"id" json:"id"`
	TenantID  string                 `db:"tenant_id" json:"tenant_id"`
	Email     string                 `db:"email" json:"email"`
	UserID    *string                `db:"user_id" json:"user_id,omitempty"`
	Wishlist  JSONList[WishlistItem] `db:"wishlist" json:"wishlist"`
	Addresses JSONList[SavedAddress] `db:"addresses" json:"addresses"`
	Orders    JSONList[OrderSummary] `db:"orders" json:"orders"`
	Version   int64                  `db:"version" json:"version"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt time.Time              `db:"updated_at" json:"updated_at"`
}

type WishlistItem struct {
	ProductID string    `json:"product_id"`
	AddedAt   time.Time `json:"added_at"`
}

type SavedAddress struct {
	ID        string  `json:"id"`
	Label     string  `json:"label,omitempty"`
	IsDefault bool    `json:"is_default"`
	Address   Address `json:"address"`
}

// OrderSummary is a denormalized projection; the orders table is authoritative.
type OrderSummary struct {
	OrderID     string    `json:"order_id"`
	OrderNumber int64     `json:"order_number"`
	Total       int64     `json:"total"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	PlacedAt    time.Time `json:"placed_at"`
}

// CustomerMutation transforms the current record in place. Returning false
// means nothing changed and no write is needed.
type CustomerMutation func(c *Customer) (bool, error)

// AddToWishlist appends productID unless it is already present
func (c *Customer) AddToWishlist(productID string, now time.Time) bool {
	for _, w := range c.Wishlist {
		if w.ProductID == productID {
			return false
		}
	}
	c.Wishlist = append(c.Wishlist, WishlistItem{ProductID: productID, AddedAt: now})
	return true
}

func (c *Customer) RemoveFromWishlist(productID string) bool {
	for i, w := range c.Wishlist {
		if w.ProductID == productID {
			c.Wishlist = append(c.Wishlist[:i:i], c.Wishlist[i+1:]...)
			return true
		}
	}
	return false
}

// UpsertAddress replaces the address with the same ID or appends a new one.
// Setting IsDefault clears the flag on every sibling.
func (c *Customer) UpsertAddress(addr SavedAddress) SavedAddress {
	if addr.ID == "" {
		addr.ID = uuid.New().String()
	}
	if len(c.Addresses) == 0 {
		addr.IsDefault = true
	}

	found := false
	for i := range c.Addresses {
		if c.Addresses[i].ID == addr.ID {
			c.Addresses[i] = addr
			found = true
		} else if addr.IsDefault {
			c.Addresses[i].IsDefault = false
		}
	}
	if !found {
		c.Addresses = append(c.Addresses, addr)
	}
	return addr
}

func (c *Customer) RemoveAddress(addressID string) bool {
	for i, a := range c.Addresses {
		if a.ID == addressID {
			c.Addresses = append(c.Addresses[:i:i], c.Addresses[i+1:]...)
			return true
		}
	}
	return false
}

// DefaultAddress returns the address flagged as default, if any
func (c *Customer) DefaultAddress() (SavedAddress, bool) {
	for _, a := range c.Addresses {
		if a.IsDefault {
			return a, true
		}
	}
	return SavedAddress{}, false
}

// AppendOrderSummary is idempotent per order id
func (c *Customer) AppendOrderSummary(s OrderSummary) bool {
	for _, o := range c.Orders {
		if o.OrderID == s.OrderID {
			return false
		}
	}
	c.Orders = append(c.Orders, s)
	return true
}
