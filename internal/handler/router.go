package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mkravchenko/crowdsale-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса краудсейла.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/api/sale", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/donations", h.CreateDonation)
		r.Get("/donations", h.GetDonations)
		r.Get("/donations/{id}", h.GetDonation)
		r.Post("/donations/{id}/collect", h.CollectDonation)

		r.Post("/periods/{id}/average", h.ProposeAverage)
		r.Post("/periods/{id}/average/verify", h.VerifyAverage)
		r.Get("/periods/{id}", h.GetPeriod)
		r.Get("/average", h.GetAttempt)

		r.Get("/status", h.GetStatus)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommiddleware.AdminMiddleware(h.adminToken))

		r.Post("/halt", h.Halt)
		r.Post("/resume", h.Resume)
		r.Post("/collect", h.CollectBatch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
