package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/auth"
)

// NewRouter mounts the chat API. Extra routes, such as the websocket
// endpoint, can be added to the returned router.
func NewRouter(h *Handler, signer *auth.Signer, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(MaxBodySize(64 * 1024))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(signer.Middleware)

		r.Post("/rooms/direct/messages", h.SendDirect)
		r.Post("/broadcasts", h.Broadcast)
		r.Delete("/messages/{id}", h.DeleteMessage)

		r.Get("/rooms/{id}/messages", h.History)
		r.Post("/rooms/{id}/read", h.MarkRead)
		r.Get("/rooms/{id}/presence", h.RoomPresence)
		r.Get("/users/{id}/presence", h.UserPresence)

		r.Get("/unread", h.Unread)
		r.Get("/conversations", h.Conversations)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}
