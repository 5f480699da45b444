package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	// WebhookHandler is reached by providers; it authenticates callbacks itself.
	WebhookHandler http.HandlerFunc

	CreateJobHandler  http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	CancelJobHandler  http.HandlerFunc
	ListEventsHandler http.HandlerFunc
	StreamHandler     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/webhooks/{provider}", orNotImplemented(deps.WebhookHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateJobHandler))
			r.Get("/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Post("/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
			r.Get("/{jobID}/events", orNotImplemented(deps.ListEventsHandler))
			r.Get("/{jobID}/stream", orNotImplemented(deps.StreamHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
