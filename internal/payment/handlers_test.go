package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/payment"
	"github.com/noah-isme/backend-paysync/internal/queue"
)

type stubOrderCreator struct {
	calls     int
	authToken string
	order     ledyer.Order
	err       error
}

func (s *stubOrderCreator) CreateOrder(_ context.Context, authToken string, _ ledyer.OrderRequest) (ledyer.Order, error) {
	s.calls++
	s.authToken = authToken
	return s.order, s.err
}

func newPaymentRouter(h *payment.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/orders/{id}/confirm", h.ConfirmRedirect)
	r.Post("/orders/{key}/acknowledge", h.Acknowledge)
	r.Post("/orders/{key}/pending", h.PendingPayment)
	return r
}

func TestConfirmRedirectRejectsWrongKey(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	provider := &stubSessionGetter{session: ledyer.Session{ID: "sess-1", State: ledyer.StateAuthorized, OrderID: "R123"}}
	h := &payment.Handler{
		Orders:    store,
		Confirmer: &payment.Confirmer{Provider: provider, Orders: store},
	}
	router := newPaymentRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/orders/"+o.ID.String()+"/confirm?key=wrong", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, provider.gets, "a rejected redirect must not touch the provider")
}

func TestConfirmRedirectConfirmsOrder(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	provider := &stubSessionGetter{session: ledyer.Session{ID: "sess-1", State: ledyer.StateAuthorized, OrderID: "R123"}}
	h := &payment.Handler{
		Orders:    store,
		Confirmer: &payment.Confirmer{Provider: provider, Orders: store},
	}
	router := newPaymentRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/orders/"+o.ID.String()+"/confirm?key="+o.OrderKey, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			PaymentState  string `json:"paymentState"`
			RemoteOrderID string `json:"remoteOrderId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, order.StatePaid, resp.Data.PaymentState)
	require.Equal(t, "R123", resp.Data.RemoteOrderID)
}

func TestAcknowledgeCreatesProviderOrder(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	creator := &stubOrderCreator{order: ledyer.Order{OrderID: "R999"}}
	h := &payment.Handler{
		Orders:          store,
		Provider:        creator,
		Validate:        validator.New(),
		ConfirmationURL: "https://shop.test/checkout/confirmation",
	}
	router := newPaymentRouter(h)

	body, _ := json.Marshal(map[string]any{"authToken": "auth-1"})
	req := httptest.NewRequest(http.MethodPost, "/orders/"+o.OrderKey+"/acknowledge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, creator.calls)
	require.Equal(t, "auth-1", creator.authToken)

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, "R999", got.RemoteOrderID)
	require.Equal(t, order.StateUnconfirmed, got.PaymentState, "acknowledge records the id, confirmation decides the state")
}

func TestAcknowledgeRequiresAuthToken(t *testing.T) {
	o := unconfirmedOrder()
	h := &payment.Handler{Orders: newMemStore(o), Provider: &stubOrderCreator{}, Validate: validator.New()}
	router := newPaymentRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/orders/"+o.OrderKey+"/acknowledge", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingPaymentRecordsSessionID(t *testing.T) {
	o := unconfirmedOrder()
	store := newMemStore(o)
	h := &payment.Handler{Orders: store, ConfirmationURL: "https://shop.test/checkout/confirmation"}
	router := newPaymentRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/orders/"+o.OrderKey+"/pending", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, o.RemoteSessionID, got.RemoteOrderID, "session id stands in until a signatory approves")
}

func TestProcessorAbandonsMissingOrder(t *testing.T) {
	store := newMemStore()
	provider := &stubSessionGetter{}
	p := &payment.Processor{
		Orders:    store,
		Confirmer: &payment.Confirmer{Provider: provider, Orders: store},
	}

	err := p.HandleConfirm(context.Background(), queue.Job{Kind: payment.KindConfirm, CorrelationKey: "sess-gone"})
	require.NoError(t, err, "a vanished order abandons the job without retry")
	require.Zero(t, provider.gets)
}

func TestProcessorSetsCaptureFlagOnce(t *testing.T) {
	o := unconfirmedOrder()
	o.RemoteOrderID = "R123"
	store := newMemStore(o)
	p := &payment.Processor{Orders: store}

	job := queue.Job{Kind: payment.KindCaptureReady, CorrelationKey: "R123"}
	require.NoError(t, p.HandleCaptureReady(context.Background(), job))
	require.NoError(t, p.HandleCaptureReady(context.Background(), job), "setting the flag twice is harmless")

	got, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, got.ReadyForCapture)
}
