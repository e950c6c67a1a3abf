package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/hazelgames/keygate/internal/metrics"
	"github.com/hazelgames/keygate/internal/services"
)

// WebhookHandler accepts payment-provider events and issues licenses for
// completed orders. Signature verification is out of scope; the endpoint is
// expected to be reachable only by the provider.
type WebhookHandler struct {
	licenseService *services.LicenseService
	metrics        *metrics.Manager
	validate       *validator.Validate
}

func NewWebhookHandler(licenseService *services.LicenseService, metricsManager *metrics.Manager) *WebhookHandler {
	return &WebhookHandler{
		licenseService: licenseService,
		metrics:        metricsManager,
		validate:       validator.New(),
	}
}

// PaymentEvent is the subset of the provider's event payload we consume
type PaymentEvent struct {
	ID    string `json:"id" validate:"required"`
	Type  string `json:"type" validate:"required"`
	Payer struct {
		Email string  `json:"email" validate:"required,email"`
		Name  *string `json:"name,omitempty"`
	} `json:"payer"`
}

// PaymentWebhookResponse reports what the event resulted in
type PaymentWebhookResponse struct {
	Processed  bool   `json:"processed"`
	LicenseKey string `json:"licenseKey,omitempty"`
	Existing   bool   `json:"existing,omitempty"`
}

// HandlePaymentWebhook issues a license on order-created events, keyed by the
// payer's email and deduplicated on the provider event id.
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var event PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Error().Err(err).Msg("Failed to decode payment webhook")
		RespondError(w, http.StatusBadRequest, "Invalid event payload")
		return
	}

	if event.Type != "order.created" {
		log.Debug().Str("type", event.Type).Msg("Ignoring payment event")
		RespondJSON(w, http.StatusOK, PaymentWebhookResponse{Processed: false})
		return
	}

	if err := h.validate.Struct(&event); err != nil {
		RespondError(w, http.StatusBadRequest, "Event id and payer email are required")
		return
	}

	license, existing, err := h.licenseService.IssueForPaymentEvent(
		r.Context(), event.ID, event.Type, event.Payer.Email, event.Payer.Name)
	if err != nil {
		log.Error().Err(err).Str("eventId", event.ID).Msg("Failed to process payment event")
		RespondError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	h.metrics.RecordIssuance(existing)

	log.Info().
		Str("eventId", event.ID).
		Str("licenseKey", maskLicenseKey(license.LicenseKey)).
		Bool("existing", existing).
		Msg("Payment event processed")

	RespondJSON(w, http.StatusOK, PaymentWebhookResponse{
		Processed:  true,
		LicenseKey: license.LicenseKey,
		Existing:   existing,
	})
}
