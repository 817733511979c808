package session

import (
	"strconv"
	"strings"

	"github.com/noah-isme/backend-paysync/internal/common"
	"github.com/noah-isme/backend-paysync/internal/order"
)

// Fingerprint hashes the fields whose change requires resynchronizing the
// provider session. The serialization uses a fixed field order so identical
// inputs always produce the same digest. Absent fields contribute an empty
// string.
func Fingerprint(scope Scope) string {
	var parts []string
	switch s := scope.(type) {
	case Anonymous:
		parts = append(parts, strconv.FormatInt(s.Cart.TotalAmount, 10))
		parts = append(parts, addressFields(s.Cart.Billing)...)
		parts = append(parts, addressFields(s.Cart.Shipping)...)
		parts = append(parts, s.Cart.ShippingMethod)
	case Attached:
		parts = append(parts, strconv.FormatInt(s.Order.TotalAmount, 10))
		parts = append(parts, addressFields(s.Order.Billing)...)
		parts = append(parts, addressFields(s.Order.Shipping)...)
	}
	return common.Sha256Hex(strings.Join(parts, "|"))
}

func addressFields(a order.Address) []string {
	return []string{
		a.FirstName, a.LastName, a.Company,
		a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country,
		a.Email, a.Phone,
	}
}
