package api

import (
	"net/http"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func NewRouter(h *Handlers, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Marketplace redirects the buyer here with a registration token; the
	// idempotency middleware absorbs double-submits of the signup form.
	r.With(middleware.Idempotency(redisClient)).Post("/subscribers", h.RegisterSubscriber)

	r.Get("/subscribers/{customerIdentifier}", h.GetSubscriber)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
