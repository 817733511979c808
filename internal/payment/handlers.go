package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paysync/internal/common"
	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/order"
)

// OrderCreator converts an authorization token into a provider order.
type OrderCreator interface {
	CreateOrder(ctx context.Context, authToken string, req ledyer.OrderRequest) (ledyer.Order, error)
}

// Handler serves the browser-facing confirmation endpoints.
type Handler struct {
	Orders    order.Store
	Provider  OrderCreator
	Confirmer *Confirmer
	Validate  *validator.Validate
	// ConfirmationURL is the storefront page the browser is sent back to.
	ConfirmationURL string
	Currency        string
	Locale          string
	Logger          *zerolog.Logger
}

// ConfirmRedirect handles GET /orders/{id}/confirm?key=. It is the
// synchronous leg of the confirmation race. The order key authenticates the
// redirect since the order id itself is guessable.
func (h *Handler) ConfirmRedirect(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	o, err := h.Orders.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.RenderError(w, err)
		return
	}
	if key := r.URL.Query().Get("key"); key == "" || key != o.OrderKey {
		common.JSONError(w, http.StatusForbidden, "KEY_MISMATCH", "order key does not match", nil)
		return
	}

	h.Confirmer.Confirm(r.Context(), o)

	// re-read so the response reflects whatever the state machine decided
	confirmed, err := h.Orders.GetByID(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"orderId":       confirmed.ID,
		"paymentState":  confirmed.PaymentState,
		"remoteOrderId": confirmed.RemoteOrderID,
		"datePaid":      confirmed.DatePaid,
	}})
}

type acknowledgeRequest struct {
	AuthToken string `json:"authToken" validate:"required"`
}

// Acknowledge handles POST /orders/{key}/acknowledge. The checkout JS calls
// this with the authorization token once the customer completed the hosted
// flow; the provider order created here is what later confirmation resolves.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderByKey(w, r)
	if !ok {
		return
	}
	var payload acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION", "missing auth token", nil)
			return
		}
	}

	created, err := h.Provider.CreateOrder(r.Context(), payload.AuthToken, h.orderRequest(o))
	if err != nil {
		var apiErr *ledyer.APIError
		if errors.As(err, &apiErr) {
			common.JSONError(w, http.StatusBadGateway, "PROVIDER_ERROR", "provider rejected the order", apiErr.Message)
			return
		}
		common.RenderError(w, err)
		return
	}
	remoteID := created.CanonicalID()
	if err := h.Orders.RecordConfirmation(r.Context(), order.ConfirmationUpdate{
		ID:            o.ID,
		PaymentState:  o.PaymentState,
		RemoteOrderID: remoteID,
	}); err != nil {
		common.RenderError(w, err)
		return
	}
	h.log().Debug().
		Str("order_id", o.ID.String()).
		Str("remote_order_id", remoteID).
		Msg("order acknowledged with provider")
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"remoteOrderId": remoteID,
		"location":      h.redirectLocation(o),
	}})
}

// PendingPayment handles POST /orders/{key}/pending, the awaiting-signatory
// path. No provider order exists yet, so the session id stands in as the
// correlation identifier until a signatory approves.
func (h *Handler) PendingPayment(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderByKey(w, r)
	if !ok {
		return
	}
	if o.RemoteSessionID == "" {
		common.JSONError(w, http.StatusConflict, "NO_SESSION", "order has no payment session", nil)
		return
	}
	if err := h.Orders.RecordConfirmation(r.Context(), order.ConfirmationUpdate{
		ID:            o.ID,
		PaymentState:  o.PaymentState,
		RemoteOrderID: o.RemoteSessionID,
	}); err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"location": h.redirectLocation(o),
	}})
}

func (h *Handler) orderByKey(w http.ResponseWriter, r *http.Request) (order.Order, bool) {
	key := chi.URLParam(r, "key")
	if key == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing order key", nil)
		return order.Order{}, false
	}
	o, err := h.Orders.GetByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return order.Order{}, false
		}
		common.RenderError(w, err)
		return order.Order{}, false
	}
	return o, true
}

func (h *Handler) orderRequest(o order.Order) ledyer.OrderRequest {
	currency := o.Currency
	if currency == "" {
		currency = h.Currency
	}
	country := o.Billing.Country
	if country == "" {
		country = o.Country
	}
	var customer *ledyer.Customer
	if o.Billing.Email != "" || o.Billing.FirstName != "" {
		customer = &ledyer.Customer{
			Email:     o.Billing.Email,
			FirstName: o.Billing.FirstName,
			LastName:  o.Billing.LastName,
			Phone:     o.Billing.Phone,
		}
	}
	return ledyer.OrderRequest{
		Country:  country,
		Currency: currency,
		Customer: customer,
		Locale:   h.Locale,
		OrderLines: []ledyer.OrderLine{{
			Reference:      o.ID.String(),
			Description:    "Order " + o.OrderKey,
			Quantity:       1,
			Type:           "physical",
			UnitPrice:      o.TotalAmount,
			VAT:            o.TotalTax,
			TotalAmount:    o.TotalAmount,
			TotalVATAmount: o.TotalTax,
		}},
		Reference:               o.ID.String(),
		TotalOrderAmount:        o.TotalAmount,
		TotalOrderAmountExclVAT: o.TotalAmount - o.TotalTax,
		TotalOrderVATAmount:     o.TotalTax,
	}
}

func (h *Handler) redirectLocation(o order.Order) string {
	if h.ConfirmationURL == "" {
		return ""
	}
	return fmt.Sprintf("%s?order=%s&key=%s", h.ConfirmationURL, o.ID, url.QueryEscape(o.OrderKey))
}

func (h *Handler) log() *zerolog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
