package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paysync/internal/events"
)

type stubStore struct {
	last events.DomainEvent
	err  error
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.DomainEvent, error) {
	if s.err != nil {
		return events.DomainEvent{}, s.err
	}
	s.last = events.DomainEvent{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}
	return s.last, nil
}

type captureNotifier struct {
	events []events.DomainEvent
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.DomainEvent) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsAndNotifies(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier}}

	aggregate := uuid.New()
	event, err := bus.Emit(context.Background(), events.TopicOrderPaid, aggregate, map[string]any{"remoteOrderId": "R123"})
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderPaid, event.Topic)
	require.Equal(t, aggregate, event.AggregateID)
	require.JSONEq(t, `{"remoteOrderId":"R123"}`, string(store.last.Payload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}

	_, err := bus.Emit(context.Background(), "  ", uuid.New(), nil)
	require.Error(t, err)

	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, uuid.Nil, nil)
	require.Error(t, err)

	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, uuid.New(), []byte("not-json"))
	require.Error(t, err)
}

func TestEmitJoinsNotifierFailures(t *testing.T) {
	store := &stubStore{}
	failing := &captureNotifier{err: errors.New("boom")}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{failing}}

	event, err := bus.Emit(context.Background(), events.TopicOrderOnHold, uuid.New(), nil)
	require.Error(t, err, "notifier failure surfaces to the caller")
	require.NotEqual(t, uuid.Nil, event.ID, "event is persisted despite notifier failure")
}
