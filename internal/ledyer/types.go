package ledyer

import (
	"encoding/json"
	"strings"
)

// Session state values as reported by the payment provider.
const (
	StatePending           = "pending"
	StateAuthorized        = "authorized"
	StateAwaitingSignatory = "awaitingSignatory"
	StateExpired           = "expired"
	StateUnknown           = "unknown"
)

// ParseState normalises a raw provider state string to one of the known
// constants. Unrecognised values map to StateUnknown.
func ParseState(raw string) string {
	switch strings.TrimSpace(raw) {
	case StatePending:
		return StatePending
	case StateAuthorized:
		return StateAuthorized
	case StateAwaitingSignatory:
		return StateAwaitingSignatory
	case StateExpired:
		return StateExpired
	default:
		return StateUnknown
	}
}

// TerminalState reports whether a session in the given state can no longer be
// updated and a fresh session must be created instead.
func TerminalState(state string) bool {
	return state == StateExpired
}

// PaymentCategory is one payment method the provider offers for a session.
type PaymentCategory struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Configuration carries the session presentation settings returned on create.
// Update and get responses omit it entirely, so cached values must be retained
// across those calls.
type Configuration struct {
	PaymentCategories []PaymentCategory `json:"paymentCategories,omitempty"`
}

// Session is the canonical provider session representation used throughout the
// service. The wire responses are inconsistent about the id field name, so
// decoding goes through sessionEnvelope.
type Session struct {
	ID            string         `json:"id"`
	State         string         `json:"state"`
	OrderID       string         `json:"orderId,omitempty"`
	AuthToken     string         `json:"authToken,omitempty"`
	ExpiresAt     string         `json:"expiresAt,omitempty"`
	Configuration *Configuration `json:"configuration,omitempty"`
}

// Categories returns the payment categories if the response carried any.
func (s Session) Categories() []PaymentCategory {
	if s.Configuration == nil {
		return nil
	}
	return s.Configuration.PaymentCategories
}

// sessionEnvelope absorbs both id spellings. Create responses use "sessionId"
// while update and get responses use "id".
type sessionEnvelope struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionId"`
	State         string         `json:"state"`
	OrderID       string         `json:"orderId"`
	AuthToken     string         `json:"authToken"`
	ExpiresAt     string         `json:"expiresAt"`
	Configuration *Configuration `json:"configuration"`
}

func decodeSession(data []byte) (Session, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Session{}, err
	}
	id := env.SessionID
	if id == "" {
		id = env.ID
	}
	return Session{
		ID:            id,
		State:         ParseState(env.State),
		OrderID:       env.OrderID,
		AuthToken:     env.AuthToken,
		ExpiresAt:     env.ExpiresAt,
		Configuration: env.Configuration,
	}, nil
}

// OrderLine is a single purchasable row sent to the provider.
type OrderLine struct {
	Reference      string `json:"reference"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	Type           string `json:"type"`
	UnitPrice      int64  `json:"unitPrice"`
	UnitDiscount   int64  `json:"unitDiscount"`
	VAT            int64  `json:"vat"`
	TotalAmount    int64  `json:"totalAmount"`
	TotalVATAmount int64  `json:"totalVatAmount"`
}

// SecuritySettings controls the authentication level the provider enforces
// during the hosted payment flow.
type SecuritySettings struct {
	Level int `json:"level"`
}

// SessionURLs are the storefront URLs the provider redirects to or notifies.
type SessionURLs struct {
	Confirmation string `json:"confirmation"`
	Notification string `json:"notification"`
}

// SessionSettings is the settings block of a session request. URLs are only
// sent on create.
type SessionSettings struct {
	Security SecuritySettings `json:"security"`
	URLs     *SessionURLs     `json:"urls,omitempty"`
}

// SessionRequest is the payload for creating or updating a payment session.
// StoreID is only sent on create.
type SessionRequest struct {
	Country                 string          `json:"country"`
	Currency                string          `json:"currency"`
	Locale                  string          `json:"locale"`
	OrderLines              []OrderLine     `json:"orderLines"`
	Reference               string          `json:"reference"`
	Settings                SessionSettings `json:"settings"`
	StoreID                 string          `json:"storeId,omitempty"`
	TotalOrderAmount        int64           `json:"totalOrderAmount"`
	TotalOrderAmountExclVAT int64           `json:"totalOrderAmountExclVat"`
	TotalOrderVATAmount     int64           `json:"totalOrderVatAmount"`
}

// Customer identifies the buyer on an order acknowledgement.
type Customer struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// OrderRequest is the payload for converting an authorization token into an
// order on the provider side.
type OrderRequest struct {
	Country                 string      `json:"country"`
	Currency                string      `json:"currency"`
	Customer                *Customer   `json:"customer,omitempty"`
	Locale                  string      `json:"locale"`
	OrderLines              []OrderLine `json:"orderLines"`
	Reference               string      `json:"reference"`
	StoreID                 string      `json:"storeId"`
	TotalOrderAmount        int64       `json:"totalOrderAmount"`
	TotalOrderAmountExclVAT int64       `json:"totalOrderAmountExclVat"`
	TotalOrderVATAmount     int64       `json:"totalOrderVatAmount"`
}

// Order is the provider's order representation returned from CreateOrder.
type Order struct {
	ID        string `json:"id"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

// CanonicalID returns whichever id field the response populated.
func (o Order) CanonicalID() string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return o.ID
}
