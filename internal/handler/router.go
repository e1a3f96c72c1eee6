package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/garmaxai/tryon-system/internal/middleware"
)

// Заголовки статических токенов служебных маршрутов.
const (
	PipelineTokenHeader = "X-Pipeline-Token"
	AdminTokenHeader    = "X-Admin-Token"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса примерок.
func (h *Handler) SetupRouter(registry *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)

			r.Post("/sources", h.RegisterSource)
			r.Get("/sources", h.ListSources)
			r.Post("/garments", h.RegisterGarment)
			r.Get("/garments", h.ListGarments)

			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions/{id}", h.GetSession)
			r.Get("/sessions/{id}/status", h.GetSessionStatus)
			r.Post("/sessions/{id}/confirm-preview", h.ConfirmPreview)
			r.Post("/sessions/{id}/cancel", h.CancelSession)

			r.Post("/cart-sessions", h.CreateCartSession)
			r.Get("/cart-sessions/{id}", h.GetCartSession)
			r.Post("/cart-sessions/{id}/cancel", h.CancelCartSession)

			r.Post("/webhooks", h.CreateWebhook)
			r.Get("/webhooks", h.ListWebhooks)
			r.Delete("/webhooks/{id}", h.DeleteWebhook)
			r.Post("/webhooks/{id}/enable", h.EnableWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.TokenAuth(PipelineTokenHeader, h.pipelineToken))

			r.Post("/pipeline/sessions/{id}/preview-ready", h.PipelinePreviewReady)
			r.Post("/pipeline/sessions/{id}/rendering-started", h.PipelineRenderingStarted)
			r.Post("/pipeline/sessions/{id}/progress", h.PipelineProgress)
			r.Post("/pipeline/sessions/{id}/completed", h.PipelineCompleted)
			r.Post("/pipeline/sessions/{id}/failed", h.PipelineFailed)

			r.Post("/pipeline/cart-sessions/{id}/rendering-started", h.PipelineCartRenderingStarted)
			r.Post("/pipeline/cart-sessions/{id}/completed", h.PipelineCartCompleted)
			r.Post("/pipeline/cart-sessions/{id}/failed", h.PipelineCartFailed)
		})

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.TokenAuth(AdminTokenHeader, h.adminToken))

			r.Post("/admin/credits", h.GrantCredits)
			r.Post("/admin/garments", h.RegisterCatalogGarment)
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
