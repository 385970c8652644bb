package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// New assembles the HTTP surface: the client-facing payment routes and the
// basic-auth protected provider callback routes.
func New(
	paymentController RouteRegistrar,
	callbackController RouteRegistrar,
	callbackAuth func(http.Handler) http.Handler,
) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if paymentController != nil {
		r.Group(func(r chi.Router) {
			paymentController.RegisterRoutes(r)
		})
	}

	if callbackController != nil {
		r.Group(func(r chi.Router) {
			r.Use(callbackAuth)
			callbackController.RegisterRoutes(r)
		})
	}

	return r
}
