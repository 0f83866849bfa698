package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the health probes and the admin API on r. The admin
// middleware (auth, rate limiting, idempotency) applies to /admin only.
func MountRoutes(r chi.Router, h *Handlers, admin ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.Route("/admin/tax-rates", func(r chi.Router) {
		r.Use(admin...)

		r.Get("/{kind}", h.GetParameters)
		r.Get("/{kind}/{scope}", h.GetParameters)
		r.Post("/{kind}/refresh", h.Refresh)
		r.Put("/{kind}/override", h.Override)
		r.Post("/{kind}/rollback", h.Rollback)
		r.Get("/{kind}/history", h.History)
		r.Get("/{kind}/history/{version}", h.GetVersion)
	})
}
