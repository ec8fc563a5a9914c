package orders

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"orderprocessor/internal/app/orders"
)

func RegisterRoutes(r chi.Router, s orders.OrderService, l *zap.Logger) {
	handler := NewOrderHandler(s, l.With(zap.String("component", "OrderHTTPHandler")))

	r.Get("/health", handler.Health)
	r.Route("/orders", func(r chi.Router) {
		r.Get("/{orderID}", handler.GetOrder)
		r.Post("/{orderID}/fail", handler.MarkFailed)
	})
}
