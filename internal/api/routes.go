package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes mounts every endpoint. Market mutations require a bearer token;
// the token's address is the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.ServeWS)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/orders/sell", h.ListSellOrders)
	r.Get("/orders/buy", h.ListBuyOrders)
	r.Get("/accepts/sell", h.ListAcceptedSellOrders)
	r.Get("/accepts/buy", h.ListAcceptedBuyOrders)
	r.Get("/records/{id}", h.GetRecordStatus)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders/sell", h.PlaceSellOrder)
		r.Post("/orders/buy", h.PlaceBuyOrder)
		r.Delete("/orders/sell/{id}", h.WithdrawSellOrder)
		r.Delete("/orders/buy/{id}", h.WithdrawBuyOrder)
		r.Post("/orders/sell/{id}/accept", h.AcceptSellOrder)
		r.Post("/orders/buy/{id}/accept", h.AcceptBuyOrder)
		r.Post("/accepts/sell/{id}/settle", h.SettleSellAccept)
		r.Post("/accepts/buy/{id}/settle", h.SettleBuyAccept)
		r.Post("/accepts/sell/{id}/cancel", h.CancelSellAccept)
		r.Post("/accepts/buy/{id}/cancel", h.CancelBuyAccept)
		r.Post("/tokens/{token}/approve", h.ApproveToken)
		r.Get("/tokens/{token}/balance", h.GetTokenBalance)
		r.Get("/events", h.GetEvents)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
