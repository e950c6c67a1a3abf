package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazelgames/keygate/internal/api/handlers"
	apimiddleware "github.com/hazelgames/keygate/internal/api/middleware"
	"github.com/hazelgames/keygate/internal/config"
	"github.com/hazelgames/keygate/internal/metrics"
	"github.com/hazelgames/keygate/internal/models"
	"github.com/hazelgames/keygate/internal/services"
)

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Config         *config.AppConfig
	DB             *sql.DB
	LicenseService *services.LicenseService
	APIKeyStore    *models.APIKeyStore
	Metrics        *metrics.Manager
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)

	licenseHandler := handlers.NewLicenseHandler(deps.LicenseService, deps.Metrics)
	webhookHandler := handlers.NewWebhookHandler(deps.LicenseService, deps.Metrics)
	metricsHandler := handlers.NewMetricsHandler(deps.Metrics)

	r.Route("/api", func(r chi.Router) {
		licenseHandler.RegisterRoutes(r)
		r.Post("/payment-webhook", webhookHandler.HandlePaymentWebhook)

		r.Get("/health", healthHandler(deps.DB))

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.RequireAPIKey(deps.APIKeyStore))
			licenseHandler.RegisterAdminRoutes(r)
		})
	})

	r.Get("/metrics", metricsHandler.ServeMetrics)

	return r
}

func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			handlers.RespondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
