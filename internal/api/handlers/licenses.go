package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hazelgames/keygate/internal/metrics"
	"github.com/hazelgames/keygate/internal/models"
	"github.com/hazelgames/keygate/internal/services"
)

// LicenseHandler handles license issuance and verification requests
type LicenseHandler struct {
	licenseService *services.LicenseService
	metrics        *metrics.Manager
	validate       *validator.Validate
}

func NewLicenseHandler(licenseService *services.LicenseService, metricsManager *metrics.Manager) *LicenseHandler {
	return &LicenseHandler{
		licenseService: licenseService,
		metrics:        metricsManager,
		validate:       validator.New(),
	}
}

// GenerateLicenseRequest is the request body for license issuance
type GenerateLicenseRequest struct {
	OwnerID string  `json:"ownerId" validate:"required"`
	Email   string  `json:"email" validate:"required,email"`
	Name    *string `json:"name,omitempty"`
}

// GenerateLicenseResponse is the response for license issuance
type GenerateLicenseResponse struct {
	LicenseKey string `json:"licenseKey"`
	Existing   bool   `json:"existing"`
}

// VerifyLicenseRequest is the request body for license verification
type VerifyLicenseRequest struct {
	Key      string `json:"key" validate:"required"`
	DeviceID string `json:"deviceId" validate:"required"`
}

// VerifyLicenseResponse is the response for license verification
type VerifyLicenseResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// RegisterRoutes registers the public license routes
func (h *LicenseHandler) RegisterRoutes(r chi.Router) {
	r.Post("/generate-license", h.GenerateLicense)
	r.Post("/verify-license", h.VerifyLicense)
}

// RegisterAdminRoutes registers the API-key protected license routes
func (h *LicenseHandler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/licenses", h.ListLicenses)
	r.Post("/licenses/{licenseKey}/invalidate", h.InvalidateLicense)
}

// GenerateLicense issues a license key for an (owner, email) pair.
// Issuance is idempotent: repeated requests return the existing key.
func (h *LicenseHandler) GenerateLicense(w http.ResponseWriter, r *http.Request) {
	var req GenerateLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to decode generate license request")
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "ownerId and a valid email are required")
		return
	}

	license, existing, err := h.licenseService.Issue(r.Context(), req.OwnerID, req.Email, req.Name)
	if err != nil {
		log.Error().Err(err).Str("ownerId", req.OwnerID).Msg("Failed to issue license")
		RespondError(w, http.StatusInternalServerError, "Failed to issue license")
		return
	}

	h.metrics.RecordIssuance(existing)

	RespondJSON(w, http.StatusOK, GenerateLicenseResponse{
		LicenseKey: license.LicenseKey,
		Existing:   existing,
	})
}

// VerifyLicense decides validity for a (key, device) pair and records the
// activation when the license has headroom.
func (h *LicenseHandler) VerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req VerifyLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to decode verify license request")
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Client input errors are rejected before any store lookup.
	if err := h.validate.Struct(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "key and deviceId are required")
		return
	}

	result, err := h.licenseService.Verify(r.Context(), req.Key, req.DeviceID)
	if err != nil {
		log.Error().
			Err(err).
			Str("licenseKey", maskLicenseKey(req.Key)).
			Msg("Failed to verify license")
		RespondError(w, http.StatusInternalServerError, "Failed to verify license")
		return
	}

	h.metrics.RecordVerification(string(result.Status))

	status := http.StatusOK
	switch result.Status {
	case models.ActivationStatusInvalid:
		status = http.StatusBadRequest
	case models.ActivationStatusLimitReached:
		status = http.StatusForbidden
	}

	RespondJSON(w, status, VerifyLicenseResponse{
		Valid:   result.Valid,
		Message: result.Message,
	})
}

// ListLicenses returns all license records with their device sets
func (h *LicenseHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.licenseService.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list licenses")
		RespondError(w, http.StatusInternalServerError, "Failed to list licenses")
		return
	}

	RespondJSON(w, http.StatusOK, licenses)
}

// InvalidateLicense permanently rejects a license key
func (h *LicenseHandler) InvalidateLicense(w http.ResponseWriter, r *http.Request) {
	licenseKey := chi.URLParam(r, "licenseKey")
	if licenseKey == "" {
		RespondError(w, http.StatusBadRequest, "License key is required")
		return
	}

	if err := h.licenseService.Invalidate(r.Context(), licenseKey); err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			RespondError(w, http.StatusNotFound, "License not found")
			return
		}
		log.Error().
			Err(err).
			Str("licenseKey", maskLicenseKey(licenseKey)).
			Msg("Failed to invalidate license")
		RespondError(w, http.StatusInternalServerError, "Failed to invalidate license")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "License invalidated",
	})
}
