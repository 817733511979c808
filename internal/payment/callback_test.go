package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/payment"
	"github.com/noah-isme/backend-paysync/internal/queue"
)

func newCallbackHandler(t *testing.T, store order.Store) (*payment.CallbackHandler, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	handler := &payment.CallbackHandler{
		Orders:            store,
		Scheduler:         queue.Scheduler{R: client, Prefix: "test"},
		Validate:          validator.New(),
		ConfirmationDelay: time.Minute,
		CaptureDelay:      2 * time.Minute,
		MaxAttempts:       5,
	}
	return handler, client, mr
}

func postCallback(t *testing.T, handler *payment.CallbackHandler, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)
	return rec
}

func TestCallbackUnsupportedEventAccepted(t *testing.T) {
	handler, client, _ := newCallbackHandler(t, newMemStore())

	rec := postCallback(t, handler, map[string]any{"eventType": "com.ledyer.order.create"})
	require.Equal(t, http.StatusOK, rec.Code)

	depth, err := client.ZCard(context.Background(), "test:queue:payment:confirm").Result()
	require.NoError(t, err)
	require.Zero(t, depth, "unsupported events must not schedule work")
}

func TestCallbackMissingEventTypeRejected(t *testing.T) {
	handler, _, _ := newCallbackHandler(t, newMemStore())

	rec := postCallback(t, handler, map[string]any{"sessionId": "sess-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackMissingSessionIDRejected(t *testing.T) {
	handler, _, _ := newCallbackHandler(t, newMemStore())

	rec := postCallback(t, handler, map[string]any{"eventType": payment.EventAuthorizationCreate})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackUnknownSessionRejected(t *testing.T) {
	handler, client, _ := newCallbackHandler(t, newMemStore())

	rec := postCallback(t, handler, map[string]any{
		"eventType": payment.EventAuthorizationCreate,
		"sessionId": "sess-unknown",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	depth, err := client.ZCard(context.Background(), "test:queue:payment:confirm").Result()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestCallbackSchedulesAndDeduplicates(t *testing.T) {
	o := unconfirmedOrder()
	handler, client, _ := newCallbackHandler(t, newMemStore(o))

	payload := map[string]any{
		"eventType": payment.EventAuthorizationCreate,
		"sessionId": o.RemoteSessionID,
	}
	rec := postCallback(t, handler, payload)
	require.Equal(t, http.StatusOK, rec.Code)

	// duplicate delivery before the first job executed
	rec = postCallback(t, handler, payload)
	require.Equal(t, http.StatusOK, rec.Code, "duplicates are acknowledged, not retried")

	depth, err := client.ZCard(context.Background(), "test:queue:payment:confirm").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth, "exactly one pending job per correlation key")
}

func TestCallbackCaptureReadyScheduled(t *testing.T) {
	o := unconfirmedOrder()
	o.RemoteOrderID = "R123"
	handler, client, _ := newCallbackHandler(t, newMemStore(o))

	rec := postCallback(t, handler, map[string]any{
		"eventType": payment.EventReadyForCapture,
		"orderId":   "R123",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	depth, err := client.ZCard(context.Background(), "test:queue:payment:capture-ready").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestCallbackCaptureReadyMissingOrderID(t *testing.T) {
	handler, _, _ := newCallbackHandler(t, newMemStore())

	rec := postCallback(t, handler, map[string]any{"eventType": payment.EventReadyForCapture})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackSchedulingFailureIsRetryable(t *testing.T) {
	o := unconfirmedOrder()
	handler, _, mr := newCallbackHandler(t, newMemStore(o))
	mr.Close()

	rec := postCallback(t, handler, map[string]any{
		"eventType": payment.EventAuthorizationCreate,
		"sessionId": o.RemoteSessionID,
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code, "a lost scheduling attempt must trigger a provider retry")
}
