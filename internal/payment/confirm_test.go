package payment_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/payment"
)

type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]order.Order
}

func newMemStore(orders ...order.Order) *memStore {
	s := &memStore{orders: make(map[uuid.UUID]order.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *memStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	s.orders[o.ID] = *o
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *memStore) GetByKey(_ context.Context, key string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.OrderKey == key {
			return o, nil
		}
	}
	return order.Order{}, order.ErrNotFound
}

func (s *memStore) LatestByRemoteSessionID(_ context.Context, sessionID string) (order.Order, error) {
	return s.latest(func(o order.Order) bool { return o.RemoteSessionID == sessionID })
}

func (s *memStore) LatestByRemoteOrderID(_ context.Context, orderID string) (order.Order, error) {
	return s.latest(func(o order.Order) bool { return o.RemoteOrderID == orderID })
}

func (s *memStore) latest(match func(order.Order) bool) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []order.Order
	for _, o := range s.orders {
		if match(o) {
			found = append(found, o)
		}
	}
	if len(found) == 0 {
		return order.Order{}, order.ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].UpdatedAt.After(found[j].UpdatedAt) })
	return found[0], nil
}

func (s *memStore) RecordConfirmation(_ context.Context, upd order.ConfirmationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[upd.ID]
	if !ok {
		return order.ErrNotFound
	}
	o.PaymentState = upd.PaymentState
	if upd.RemoteOrderID != "" {
		o.RemoteOrderID = upd.RemoteOrderID
	}
	if upd.Environment != "" {
		o.Environment = upd.Environment
	}
	if upd.DatePaid != nil {
		o.DatePaid = upd.DatePaid
	}
	if upd.ReadyForCapture != nil {
		o.ReadyForCapture = *upd.ReadyForCapture
	}
	if upd.ClearSnapshot {
		o.RemoteSessionID = ""
		o.SessionSnapshot = nil
	}
	s.orders[upd.ID] = o
	return nil
}

func (s *memStore) SetReadyForCapture(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.ReadyForCapture = true
	s.orders[id] = o
	return nil
}

func (s *memStore) SetRemoteSession(_ context.Context, id uuid.UUID, sessionID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.RemoteSessionID = sessionID
	o.SessionSnapshot = snapshot
	s.orders[id] = o
	return nil
}

func (s *memStore) ClearRemoteSession(_ context.Context, id uuid.UUID) error {
	return s.SetRemoteSession(context.Background(), id, "", nil)
}

type stubSessionGetter struct {
	gets    int
	session ledyer.Session
	err     error
}

func (s *stubSessionGetter) GetSession(context.Context, string) (ledyer.Session, error) {
	s.gets++
	return s.session, s.err
}

func unconfirmedOrder() order.Order {
	return order.Order{
		ID:              uuid.New(),
		OrderKey:        "wc_order_k3y",
		PaymentState:    order.StateUnconfirmed,
		Currency:        "SEK",
		TotalAmount:     12500,
		TotalTax:        2500,
		Country:         "SE",
		RemoteSessionID: "sess-1",
		SessionSnapshot: []byte(`{"remote":{"id":"sess-1"}}`),
	}
}

func TestConfirmAuthorizedMarksPaid(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	provider := &stubSessionGetter{session: ledyer.Session{ID: "sess-1", State: ledyer.StateAuthorized, OrderID: "R123"}}
	confirmer := &payment.Confirmer{Provider: provider, Orders: store, Environment: "sandbox"}

	confirmer.Confirm(context.Background(), o)

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatePaid, got.PaymentState)
	require.Equal(t, "R123", got.RemoteOrderID)
	require.Equal(t, "sandbox", got.Environment)
	require.NotNil(t, got.DatePaid)
	require.Empty(t, got.RemoteSessionID, "session association is cleared after confirmation")
	require.Nil(t, got.SessionSnapshot)
}

func TestConfirmAwaitingSignatoryHolds(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	provider := &stubSessionGetter{session: ledyer.Session{ID: "sess-1", State: ledyer.StateAwaitingSignatory}}
	confirmer := &payment.Confirmer{Provider: provider, Orders: store}

	confirmer.Confirm(context.Background(), o)

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StateOnHold, got.PaymentState)
	require.Nil(t, got.DatePaid, "no payment date until a signatory approves")
}

func TestConfirmUnknownStateLeavesUnconfirmed(t *testing.T) {
	for _, state := range []string{ledyer.StatePending, ledyer.StateExpired, ledyer.StateUnknown} {
		o := unconfirmedOrder()
		store := newMemStore(o)
		provider := &stubSessionGetter{session: ledyer.Session{ID: "sess-1", State: state}}
		confirmer := &payment.Confirmer{Provider: provider, Orders: store}

		confirmer.Confirm(context.Background(), o)

		got, err := store.GetByID(context.Background(), o.ID)
		require.NoError(t, err)
		require.Equal(t, order.StateUnconfirmed, got.PaymentState, "state %q must not confirm the order", state)
		require.Nil(t, got.DatePaid)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	provider := &stubSessionGetter{session: ledyer.Session{ID: "sess-1", State: ledyer.StateAuthorized, OrderID: "R123"}}
	confirmer := &payment.Confirmer{Provider: provider, Orders: store}

	confirmer.Confirm(context.Background(), o)
	require.Equal(t, 1, provider.gets)

	confirmed, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	firstPaidAt := confirmed.DatePaid

	confirmer.Confirm(context.Background(), confirmed)
	require.Equal(t, 1, provider.gets, "second confirmation must not call the provider")

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, firstPaidAt, got.DatePaid)
}

func TestConfirmProviderFailureMutatesNothing(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	provider := &stubSessionGetter{err: errors.New("provider down")}
	confirmer := &payment.Confirmer{Provider: provider, Orders: store}

	confirmer.Confirm(context.Background(), o)

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StateUnconfirmed, got.PaymentState)
	require.Equal(t, "sess-1", got.RemoteSessionID, "a failed lookup must not clear the session")
	require.Nil(t, got.DatePaid)
}
