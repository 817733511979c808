package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paysync/internal/common"
	"github.com/noah-isme/backend-paysync/internal/obs"
	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/queue"
)

// Provider webhook event types the reconciler understands.
const (
	EventAuthorizationCreate = "com.ledyer.authorization.create"
	EventReadyForCapture     = "com.ledyer.order.ready_for_capture"
)

// Job kinds scheduled by the callback reconciler.
const (
	KindConfirm      = "payment:confirm"
	KindCaptureReady = "payment:capture-ready"
)

type callbackPayload struct {
	EventType string `json:"eventType" validate:"required"`
	SessionID string `json:"sessionId"`
	OrderID   string `json:"orderId"`
}

// CallbackHandler receives provider webhook notifications, validates them and
// schedules delayed reconciliation work. The delay deliberately lets the
// customer's own redirect win the confirmation race.
type CallbackHandler struct {
	Orders            order.Store
	Scheduler         queue.Scheduler
	Validate          *validator.Validate
	ConfirmationDelay time.Duration
	CaptureDelay      time.Duration
	MaxAttempts       int
	Logger            *zerolog.Logger
}

// Handle processes POST /callback. Responses follow the provider's retry
// contract: 200 acknowledges (including ignored events and duplicates), 400
// rejects malformed payloads, 404 rejects unknown correlation ids, and 500
// signals a scheduling failure the provider should retry.
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var payload callbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.observe("invalid", "bad_request")
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid callback payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			h.observe("invalid", "bad_request")
			common.JSONError(w, http.StatusBadRequest, "VALIDATION", "missing event type", nil)
			return
		}
	}

	logger := h.log().With().
		Str("event_type", payload.EventType).
		Str("session_id", payload.SessionID).
		Str("remote_order_id", payload.OrderID).
		Logger()

	switch payload.EventType {
	case EventAuthorizationCreate:
		h.handleAuthorization(w, r, payload, logger)
	case EventReadyForCapture:
		h.handleCaptureReady(w, r, payload, logger)
	default:
		// the provider must not retry events this service does not model
		logger.Debug().Msg("ignoring unsupported callback event")
		h.observe(payload.EventType, "ignored")
		common.JSON(w, http.StatusOK, map[string]any{})
	}
}

func (h *CallbackHandler) handleAuthorization(w http.ResponseWriter, r *http.Request, payload callbackPayload, logger zerolog.Logger) {
	if payload.SessionID == "" {
		logger.Error().Msg("authorization callback without session id")
		h.observe(payload.EventType, "bad_request")
		common.JSONError(w, http.StatusBadRequest, "MISSING_SESSION_ID", "missing session id", nil)
		return
	}
	if _, err := h.Orders.LatestByRemoteSessionID(r.Context(), payload.SessionID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			logger.Error().Msg("no order references the callback session")
			h.observe(payload.EventType, "not_found")
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		logger.Error().Err(err).Msg("order lookup failed")
		h.observe(payload.EventType, "error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order lookup failed", nil)
		return
	}
	h.schedule(w, r, KindConfirm, payload.SessionID, h.ConfirmationDelay, payload.EventType, logger)
}

func (h *CallbackHandler) handleCaptureReady(w http.ResponseWriter, r *http.Request, payload callbackPayload, logger zerolog.Logger) {
	if payload.OrderID == "" {
		logger.Error().Msg("capture callback without order id")
		h.observe(payload.EventType, "bad_request")
		common.JSONError(w, http.StatusBadRequest, "MISSING_ORDER_ID", "missing order id", nil)
		return
	}
	if _, err := h.Orders.LatestByRemoteOrderID(r.Context(), payload.OrderID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			logger.Error().Msg("no order references the callback order id")
			h.observe(payload.EventType, "not_found")
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		logger.Error().Err(err).Msg("order lookup failed")
		h.observe(payload.EventType, "error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order lookup failed", nil)
		return
	}
	h.schedule(w, r, KindCaptureReady, payload.OrderID, h.CaptureDelay, payload.EventType, logger)
}

func (h *CallbackHandler) schedule(w http.ResponseWriter, r *http.Request, kind, key string, delay time.Duration, event string, logger zerolog.Logger) {
	scheduled, err := h.Scheduler.Schedule(r.Context(), queue.Job{
		Kind:           kind,
		CorrelationKey: key,
		Delay:          delay,
		MaxAttempts:    h.MaxAttempts,
	})
	if err != nil {
		// a lost scheduling attempt must surface as retryable to the provider
		logger.Error().Err(err).Msg("failed to schedule reconciliation job")
		h.observe(event, "error")
		if obs.ConfirmationJobsScheduled != nil {
			obs.ConfirmationJobsScheduled.WithLabelValues("error").Inc()
		}
		common.JSONError(w, http.StatusInternalServerError, "SCHEDULING_FAILED", "failed to schedule callback", nil)
		return
	}
	if !scheduled {
		logger.Debug().Msg("reconciliation already scheduled for this correlation key")
		h.observe(event, "duplicate")
		common.JSON(w, http.StatusOK, map[string]any{})
		return
	}
	logger.Debug().Dur("delay", delay).Msg("scheduled reconciliation job")
	h.observe(event, "scheduled")
	if obs.ConfirmationJobsScheduled != nil {
		obs.ConfirmationJobsScheduled.WithLabelValues("ok").Inc()
	}
	common.JSON(w, http.StatusOK, map[string]any{})
}

func (h *CallbackHandler) observe(event, result string) {
	if obs.CallbackTotal != nil {
		obs.CallbackTotal.WithLabelValues(event, result).Inc()
	}
}

func (h *CallbackHandler) log() *zerolog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
