package payment

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paysync/internal/events"
	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/queue"
)

// Processor executes due reconciliation jobs.
type Processor struct {
	Orders    order.Store
	Confirmer *Confirmer
	Bus       *events.Bus
	Logger    *zerolog.Logger
}

// HandleConfirm runs a due confirmation job. The order is re-resolved by
// session id; a missing order means the redirect path already converged or
// the order is gone, either way the job is abandoned.
func (p *Processor) HandleConfirm(ctx context.Context, job queue.Job) error {
	o, err := p.Orders.LatestByRemoteSessionID(ctx, job.CorrelationKey)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			p.log().Debug().
				Str("session_id", job.CorrelationKey).
				Msg("no order for scheduled confirmation, abandoning")
			return nil
		}
		return err
	}
	p.Confirmer.Confirm(ctx, o)
	return nil
}

// HandleCaptureReady flags the order as capturable. The flag is terminal and
// idempotent; flipping it twice is harmless.
func (p *Processor) HandleCaptureReady(ctx context.Context, job queue.Job) error {
	o, err := p.Orders.LatestByRemoteOrderID(ctx, job.CorrelationKey)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			p.log().Debug().
				Str("remote_order_id", job.CorrelationKey).
				Msg("no order for capture-ready notification, abandoning")
			return nil
		}
		return err
	}
	if o.ReadyForCapture {
		return nil
	}
	if err := p.Orders.SetReadyForCapture(ctx, o.ID); err != nil {
		return err
	}
	if p.Bus != nil {
		if _, err := p.Bus.Emit(ctx, events.TopicOrderReadyForCapture, o.ID, map[string]any{
			"remoteOrderId": job.CorrelationKey,
		}); err != nil {
			p.log().Error().Err(err).Msg("failed to emit ready-for-capture event")
		}
	}
	return nil
}

func (p *Processor) log() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
