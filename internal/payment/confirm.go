package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paysync/internal/events"
	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/obs"
	"github.com/noah-isme/backend-paysync/internal/order"
)

// SessionGetter fetches the authoritative provider session.
type SessionGetter interface {
	GetSession(ctx context.Context, sessionID string) (ledyer.Session, error)
}

// Confirmer drives the order confirmation state machine. Both triggers (the
// customer redirect and the delayed callback job) call Confirm; date_paid is
// the idempotency guard that makes the loser of that race a no-op.
type Confirmer struct {
	Provider    SessionGetter
	Orders      order.Store
	Bus         *events.Bus
	Environment string
	Logger      *zerolog.Logger
}

// Confirm reconciles the order with the provider session it references. It
// never returns an error: neither trigger has a caller that could act on one,
// so failures are logged and the order is left in a reconcilable state.
func (c *Confirmer) Confirm(ctx context.Context, o order.Order) {
	ctx, span := otel.Tracer("payment.Confirmer").Start(ctx, "Confirmer.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", o.ID.String()))

	logger := c.log().With().
		Str("order_id", o.ID.String()).
		Str("session_id", o.RemoteSessionID).
		Logger()

	if o.Confirmed() {
		logger.Debug().Msg("order already confirmed, skipping")
		c.observe("noop")
		return
	}
	if o.RemoteSessionID == "" {
		logger.Warn().Msg("order has no session to confirm against")
		c.observe("noop")
		return
	}

	remote, err := c.Provider.GetSession(ctx, o.RemoteSessionID)
	if err != nil {
		// never guess a payment outcome from a failed lookup
		logger.Error().Err(err).Msg("failed to fetch session for confirmation")
		span.RecordError(err)
		c.observe("error")
		return
	}
	span.SetAttributes(attribute.String("session.state", remote.State))

	switch remote.State {
	case ledyer.StateAuthorized:
		now := time.Now()
		upd := order.ConfirmationUpdate{
			ID:            o.ID,
			PaymentState:  order.StatePaid,
			RemoteOrderID: remote.OrderID,
			Environment:   c.Environment,
			DatePaid:      &now,
			ClearSnapshot: true,
		}
		if err := c.Orders.RecordConfirmation(ctx, upd); err != nil {
			logger.Error().Err(err).Msg("failed to record paid confirmation")
			c.observe("error")
			return
		}
		logger.Info().Str("remote_order_id", remote.OrderID).Msg("order confirmed as paid")
		c.observe("paid")
		c.emit(ctx, events.TopicOrderPaid, o, map[string]any{
			"remoteOrderId": remote.OrderID,
			"environment":   c.Environment,
		})
	case ledyer.StateAwaitingSignatory:
		upd := order.ConfirmationUpdate{
			ID:            o.ID,
			PaymentState:  order.StateOnHold,
			RemoteOrderID: remote.OrderID,
			Environment:   c.Environment,
			ClearSnapshot: true,
		}
		if err := c.Orders.RecordConfirmation(ctx, upd); err != nil {
			logger.Error().Err(err).Msg("failed to record on-hold confirmation")
			c.observe("error")
			return
		}
		logger.Info().Msg("order put on hold awaiting signatory")
		c.observe("on_hold")
		c.emit(ctx, events.TopicOrderOnHold, o, map[string]any{
			"environment": c.Environment,
		})
	default:
		// an unrecognized state is never treated as success
		logger.Warn().Str("state", remote.State).Msg("session in unexpected state, order left unconfirmed")
		upd := order.ConfirmationUpdate{
			ID:            o.ID,
			PaymentState:  o.PaymentState,
			RemoteOrderID: remote.OrderID,
			Environment:   c.Environment,
			ClearSnapshot: true,
		}
		if err := c.Orders.RecordConfirmation(ctx, upd); err != nil {
			logger.Error().Err(err).Msg("failed to clear session association")
		}
		c.observe("unconfirmed")
		if remote.State == ledyer.StateExpired {
			c.emit(ctx, events.TopicSessionExpired, o, map[string]any{
				"sessionId": o.RemoteSessionID,
			})
		}
	}
}

func (c *Confirmer) emit(ctx context.Context, topic string, o order.Order, payload map[string]any) {
	if c.Bus == nil {
		return
	}
	if _, err := c.Bus.Emit(ctx, topic, o.ID, payload); err != nil {
		c.log().Error().Err(err).Str("topic", topic).Msg("failed to emit domain event")
	}
}

func (c *Confirmer) observe(outcome string) {
	if obs.ConfirmationTotal != nil {
		obs.ConfirmationTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Confirmer) log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
