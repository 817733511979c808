package session

import (
	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/order"
)

// Scope identifies where a checkout attempt lives: an anonymous visitor cart
// before an order exists, or a concrete order afterwards. The two variants are
// exhaustive; synchronization dispatches on them instead of null checks.
type Scope interface {
	scopeKind() string
	// Country returns the billing country driving the provider's available
	// payment methods.
	Country() string
}

// CartSnapshot is the checkout-relevant view of an anonymous visitor cart.
type CartSnapshot struct {
	TotalAmount    int64              `json:"totalAmount"`
	TotalTax       int64              `json:"totalTax"`
	Currency       string             `json:"currency"`
	Locale         string             `json:"locale"`
	Billing        order.Address      `json:"billing"`
	Shipping       order.Address      `json:"shipping"`
	ShippingMethod string             `json:"shippingMethod"`
	Lines          []ledyer.OrderLine `json:"lines"`
}

// Anonymous scopes a checkout attempt to a visitor without an order.
type Anonymous struct {
	VisitorID string
	Cart      CartSnapshot
}

func (Anonymous) scopeKind() string { return "anonymous" }

func (a Anonymous) Country() string { return a.Cart.Billing.Country }

// Attached scopes a checkout attempt to an existing order row.
type Attached struct {
	Order order.Order
}

func (Attached) scopeKind() string { return "attached" }

func (a Attached) Country() string {
	if a.Order.Billing.Country != "" {
		return a.Order.Billing.Country
	}
	return a.Order.Country
}
