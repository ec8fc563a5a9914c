package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderprocessor/internal/app/orders"
	"orderprocessor/internal/domain"
	"orderprocessor/internal/repository/memory"
)

type discardPublisher struct{}

func (discardPublisher) PublishProcessed(context.Context, string) error { return nil }

func newRouter(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := orders.NewOrderService(store, discardPublisher{}, zaptest.NewLogger(t))
	r := chi.NewRouter()
	RegisterRoutes(r, svc, zaptest.NewLogger(t))
	return r, store
}

func seed(store *memory.Store, id string, status domain.OrderStatus) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.Put(domain.Order{
		ID:         id,
		ProductID:  "p-1",
		CustomerID: "c-1",
		Quantity:   2,
		Status:     status,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	})
}

func TestHealth(t *testing.T) {
	r, _ := newRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetOrder(t *testing.T) {
	r, store := newRouter(t)
	seed(store, "o-1", domain.OrderStatusProcessed)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/o-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "o-1", got.ID)
	assert.Equal(t, "PROCESSED", got.Status)
	assert.Equal(t, 2, got.Quantity)
}

func TestGetOrderNotFound(t *testing.T) {
	r, _ := newRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkFailed(t *testing.T) {
	r, store := newRouter(t)
	seed(store, "o-2", domain.OrderStatusProcessing)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/o-2/fail", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got OrderResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "FAILED", got.Status)
	}

	stored, err := store.GetOrder(context.Background(), "o-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)
}

func TestMarkFailedUnknownOrder(t *testing.T) {
	r, _ := newRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/nope/fail", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
