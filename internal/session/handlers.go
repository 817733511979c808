package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-paysync/internal/common"
	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/order"
)

// Handler exposes the checkout session endpoint.
type Handler struct {
	Sync     *Synchronizer
	Orders   order.Store
	Validate *validator.Validate
}

type syncRequest struct {
	OrderID   string        `json:"orderId" validate:"omitempty,uuid4"`
	VisitorID string        `json:"visitorId" validate:"required_without=OrderID"`
	Cart      *CartSnapshot `json:"cart" validate:"required_without=OrderID"`
}

type syncResponse struct {
	SessionID  string                   `json:"sessionId"`
	State      string                   `json:"state"`
	Reference  string                   `json:"reference"`
	Categories []ledyer.PaymentCategory `json:"paymentCategories,omitempty"`
	Refreshed  bool                     `json:"refreshed"`
}

// Synchronize handles POST /checkout/session. The body either names an order
// (order-pay flow) or carries a visitor id plus cart snapshot (anonymous
// checkout). Completed orders are rejected so no dangling provider session is
// created after purchase.
func (h *Handler) Synchronize(w http.ResponseWriter, r *http.Request) {
	var payload syncRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION", "invalid session request", err.Error())
			return
		}
	}

	scope, err := h.resolveScope(r, payload)
	if err != nil {
		common.RenderError(w, err)
		return
	}

	result, err := h.Sync.Synchronize(r.Context(), scope)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": syncResponse{
		SessionID:  result.Session.ID,
		State:      result.Session.State,
		Reference:  result.Reference,
		Categories: result.Categories,
		Refreshed:  result.Refreshed,
	}})
}

func (h *Handler) resolveScope(r *http.Request, payload syncRequest) (Scope, error) {
	if payload.OrderID != "" {
		id, err := uuid.Parse(payload.OrderID)
		if err != nil {
			return nil, common.NewAppError("BAD_REQUEST", "invalid order id", http.StatusBadRequest, err)
		}
		o, err := h.Orders.GetByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return nil, common.NewAppError("NOT_FOUND", "order not found", http.StatusNotFound, err)
			}
			return nil, err
		}
		if o.Confirmed() {
			return nil, common.NewAppError("ORDER_COMPLETED", "order is already confirmed", http.StatusConflict, nil)
		}
		return Attached{Order: o}, nil
	}
	return Anonymous{VisitorID: payload.VisitorID, Cart: *payload.Cart}, nil
}

func (h *Handler) writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAlreadyAuthorized) {
		common.JSONError(w, http.StatusConflict, "SESSION_AUTHORIZED", "payment session already authorized", nil)
		return
	}
	var apiErr *ledyer.APIError
	if errors.As(err, &apiErr) {
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_ERROR", "payment provider rejected the session request", apiErr.Message)
		return
	}
	common.RenderError(w, err)
}
