package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/obs"
)

// ErrAlreadyAuthorized is returned when synchronization discovers the remote
// session has been authorized in the meantime. The caller should move the
// customer to confirmation instead of editing the cart.
var ErrAlreadyAuthorized = errors.New("session: remote session already authorized")

// ProviderClient is the subset of the payment API the synchronizer needs.
type ProviderClient interface {
	CreateSession(ctx context.Context, req ledyer.SessionRequest) (ledyer.Session, error)
	UpdateSession(ctx context.Context, sessionID string, req ledyer.SessionRequest) (ledyer.Session, error)
	GetSession(ctx context.Context, sessionID string) (ledyer.Session, error)
}

// Synchronizer keeps the provider session in step with the local checkout
// state. It decides between create, update and no-op by comparing the cached
// snapshot's fingerprint and country with the current scope.
type Synchronizer struct {
	Provider  ProviderClient
	Snapshots SnapshotStore
	Defaults  RequestDefaults
	Logger    *zerolog.Logger

	// NewReference generates the checkout correlation id. Defaults to a
	// random UUID; overridable in tests.
	NewReference func() string
}

// Result is the outcome of a synchronization pass.
type Result struct {
	Session    ledyer.Session
	Reference  string
	Categories []ledyer.PaymentCategory
	// Refreshed is false when the cached session was returned without a
	// provider call.
	Refreshed bool
}

// Synchronize loads the snapshot for the scope and reconciles it with the
// provider. A matching fingerprint and country short-circuits without any
// network call. A changed country discards the snapshot since the provider's
// payment methods depend on it.
func (s *Synchronizer) Synchronize(ctx context.Context, scope Scope) (Result, error) {
	ctx, span := otel.Tracer("session.Synchronizer").Start(ctx, "Synchronizer.Synchronize")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.scope", scope.scopeKind()))

	start := time.Now()
	result, err := s.synchronize(ctx, scope)
	outcome := "refreshed"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
	case !result.Refreshed:
		outcome = "noop"
	}
	if obs.SessionSyncTotal != nil {
		obs.SessionSyncTotal.WithLabelValues(scope.scopeKind(), outcome).Inc()
	}
	if obs.SessionSyncDuration != nil {
		obs.SessionSyncDuration.WithLabelValues(outcome).Observe(obs.DurationMillis(time.Since(start)))
	}
	return result, err
}

func (s *Synchronizer) synchronize(ctx context.Context, scope Scope) (Result, error) {
	snap, err := s.Snapshots.Load(ctx, scope)
	if err != nil {
		return Result{}, err
	}

	fingerprint := Fingerprint(scope)
	country := scope.Country()

	if snap != nil && snap.Country != country {
		// country switch invalidates the provider's payment method
		// selection, an update cannot express it
		if err := s.Snapshots.Clear(ctx, scope); err != nil {
			return Result{}, err
		}
		s.log(ctx).Debug().
			Str("from", snap.Country).
			Str("to", country).
			Msg("session snapshot discarded on country change")
		snap = nil
	}

	if snap != nil && snap.Remote != nil && snap.Fingerprint == fingerprint {
		return Result{
			Session:    *snap.Remote,
			Reference:  snap.Reference,
			Categories: snap.Categories,
			Refreshed:  false,
		}, nil
	}

	if snap == nil {
		snap = &Snapshot{}
	}
	if snap.Reference == "" {
		snap.Reference = s.reference()
	}

	req := buildRequest(scope, snap.Reference, s.Defaults)

	var remote ledyer.Session
	if id := snap.SessionID(); id != "" {
		remote, err = s.Provider.UpdateSession(ctx, id, req)
		if err != nil {
			return Result{}, s.recoverStale(ctx, scope, id, err)
		}
	} else {
		remote, err = s.Provider.CreateSession(ctx, req)
		if err != nil {
			return Result{}, err
		}
	}

	snap.merge(remote)
	snap.Fingerprint = fingerprint
	snap.Country = country
	if err := s.Snapshots.Save(ctx, scope, snap); err != nil {
		return Result{}, err
	}
	return Result{
		Session:    *snap.Remote,
		Reference:  snap.Reference,
		Categories: snap.Categories,
		Refreshed:  true,
	}, nil
}

// recoverStale probes a failed update target. A session that is gone, expired
// or already authorized will never accept updates again, so the snapshot is
// cleared and the next pass starts clean instead of retrying a dead id.
func (s *Synchronizer) recoverStale(ctx context.Context, scope Scope, sessionID string, updateErr error) error {
	if ledyer.IsNotFound(updateErr) {
		if err := s.Snapshots.Clear(ctx, scope); err != nil {
			s.log(ctx).Error().Err(err).Msg("clear snapshot after provider 404")
		}
		return updateErr
	}
	probe, probeErr := s.Provider.GetSession(ctx, sessionID)
	if probeErr != nil {
		if ledyer.IsNotFound(probeErr) {
			if err := s.Snapshots.Clear(ctx, scope); err != nil {
				s.log(ctx).Error().Err(err).Msg("clear snapshot for missing session")
			}
		}
		return updateErr
	}
	switch {
	case probe.State == ledyer.StateAuthorized:
		if err := s.Snapshots.Clear(ctx, scope); err != nil {
			s.log(ctx).Error().Err(err).Msg("clear snapshot for authorized session")
		}
		return ErrAlreadyAuthorized
	case ledyer.TerminalState(probe.State):
		if err := s.Snapshots.Clear(ctx, scope); err != nil {
			s.log(ctx).Error().Err(err).Msg("clear snapshot for expired session")
		}
	}
	return updateErr
}

func (s *Synchronizer) reference() string {
	if s.NewReference != nil {
		return s.NewReference()
	}
	return uuid.NewString()
}

func (s *Synchronizer) log(ctx context.Context) *zerolog.Logger {
	if logger := zerolog.Ctx(ctx); logger.GetLevel() != zerolog.Disabled {
		return logger
	}
	if s.Logger != nil {
		return s.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
