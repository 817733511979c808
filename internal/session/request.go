package session

import (
	"strings"

	"github.com/noah-isme/backend-paysync/internal/ledyer"
)

// RequestDefaults carries the store-level settings folded into every session
// request.
type RequestDefaults struct {
	Currency        string
	Locale          string
	SecurityLevel   int
	ConfirmationURL string
	NotificationURL string
}

// buildRequest assembles the provider session payload for the given scope.
// The reference comes from the snapshot so it stays stable across updates.
func buildRequest(scope Scope, reference string, defs RequestDefaults) ledyer.SessionRequest {
	switch s := scope.(type) {
	case Anonymous:
		currency := s.Cart.Currency
		if currency == "" {
			currency = defs.Currency
		}
		locale := s.Cart.Locale
		if locale == "" {
			locale = defs.Locale
		}
		return ledyer.SessionRequest{
			Country:    scope.Country(),
			Currency:   currency,
			Locale:     locale,
			OrderLines: s.Cart.Lines,
			Reference:  reference,
			Settings: ledyer.SessionSettings{
				Security: ledyer.SecuritySettings{Level: defs.SecurityLevel},
				URLs: &ledyer.SessionURLs{
					Confirmation: defs.ConfirmationURL,
					Notification: defs.NotificationURL,
				},
			},
			TotalOrderAmount:        s.Cart.TotalAmount,
			TotalOrderAmountExclVAT: s.Cart.TotalAmount - s.Cart.TotalTax,
			TotalOrderVATAmount:     s.Cart.TotalTax,
		}
	case Attached:
		o := s.Order
		currency := o.Currency
		if currency == "" {
			currency = defs.Currency
		}
		description := "Order " + o.OrderKey
		return ledyer.SessionRequest{
			Country:  scope.Country(),
			Currency: currency,
			Locale:   defs.Locale,
			OrderLines: []ledyer.OrderLine{{
				Reference:      o.ID.String(),
				Description:    strings.TrimSpace(description),
				Quantity:       1,
				Type:           "physical",
				UnitPrice:      o.TotalAmount,
				VAT:            o.TotalTax,
				TotalAmount:    o.TotalAmount,
				TotalVATAmount: o.TotalTax,
			}},
			Reference: reference,
			Settings: ledyer.SessionSettings{
				Security: ledyer.SecuritySettings{Level: defs.SecurityLevel},
				URLs: &ledyer.SessionURLs{
					Confirmation: defs.ConfirmationURL,
					Notification: defs.NotificationURL,
				},
			},
			TotalOrderAmount:        o.TotalAmount,
			TotalOrderAmountExclVAT: o.TotalAmount - o.TotalTax,
			TotalOrderVATAmount:     o.TotalTax,
		}
	default:
		return ledyer.SessionRequest{Reference: reference}
	}
}
