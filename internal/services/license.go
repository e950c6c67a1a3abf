package services

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hazelgames/keygate/internal/config"
	"github.com/hazelgames/keygate/internal/models"
)

// keyGenAttempts bounds retries when a generated key collides with an
// existing one. With 100 bits of entropy a single retry is already unlikely.
const keyGenAttempts = 3

// LicenseService handles license issuance and verification.
type LicenseService struct {
	licenses *models.LicenseStore
	events   *models.WebhookEventStore
	cfg      config.LicenseConfig
}

func NewLicenseService(licenses *models.LicenseStore, events *models.WebhookEventStore, cfg config.LicenseConfig) *LicenseService {
	return &LicenseService{
		licenses: licenses,
		events:   events,
		cfg:      cfg,
	}
}

// Issue returns the license for an (owner, email) pair, minting a new one if
// none exists. The second return value reports whether the license already
// existed; issuance is idempotent per pair, not per call.
func (s *LicenseService) Issue(ctx context.Context, ownerID, email string, name *string) (*models.License, bool, error) {
	existing, err := s.licenses.GetByOwner(ctx, ownerID, email)
	if err == nil {
		log.Debug().
			Str("ownerId", ownerID).
			Str("licenseKey", maskLicenseKey(existing.LicenseKey)).
			Msg("Existing license found, returning existing key")
		return existing, true, nil
	}
	if !errors.Is(err, models.ErrLicenseNotFound) {
		return nil, false, err
	}

	for attempt := 0; attempt < keyGenAttempts; attempt++ {
		key, err := models.GenerateLicenseKey(s.cfg.KeyPrefix)
		if err != nil {
			return nil, false, err
		}

		license, err := s.licenses.Create(ctx, key, ownerID, email, name, s.cfg.MaxActivations)
		if err != nil {
			if errors.Is(err, models.ErrDuplicateKey) {
				log.Warn().Int("attempt", attempt+1).Msg("License key collision, regenerating")
				continue
			}
			if errors.Is(err, models.ErrOwnerExists) {
				// Lost a concurrent issuance race for the same pair.
				existing, err := s.licenses.GetByOwner(ctx, ownerID, email)
				if err != nil {
					return nil, false, err
				}
				return existing, true, nil
			}
			return nil, false, err
		}

		log.Info().
			Str("ownerId", ownerID).
			Str("licenseKey", maskLicenseKey(license.LicenseKey)).
			Msg("License created")
		return license, false, nil
	}

	return nil, false, fmt.Errorf("failed to generate unique license key after %d attempts", keyGenAttempts)
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Valid   bool
	Status  models.ActivationStatus
	Message string
}

// Verify decides validity for a (key, device) pair and records the device
// activation when the license has headroom.
func (s *LicenseService) Verify(ctx context.Context, key, deviceID string) (*VerifyResult, error) {
	status, err := s.licenses.Activate(ctx, key, deviceID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Status: status}
	switch status {
	case models.ActivationStatusActivated, models.ActivationStatusAlreadyActive:
		result.Valid = true
		result.Message = "License Verified"
	case models.ActivationStatusLimitReached:
		result.Message = "Activation Limit Reached"
	default:
		result.Message = "Invalid License"
	}

	log.Debug().
		Str("licenseKey", maskLicenseKey(key)).
		Str("deviceId", deviceID).
		Str("status", string(status)).
		Msg("License verification")

	return result, nil
}

// IssueForPaymentEvent issues a license for a payment-provider event,
// idempotent on the event id: a replayed event returns the license the first
// delivery issued.
func (s *LicenseService) IssueForPaymentEvent(ctx context.Context, eventID, eventType, payerEmail string, payerName *string) (*models.License, bool, error) {
	if license, err := s.events.LicenseForEvent(ctx, eventID); err == nil {
		log.Debug().Str("eventId", eventID).Msg("Webhook event already processed")
		return license, true, nil
	} else if !errors.Is(err, models.ErrLicenseNotFound) {
		return nil, false, err
	}

	license, existing, err := s.Issue(ctx, eventID, payerEmail, payerName)
	if err != nil {
		return nil, false, err
	}

	if _, err := s.events.Record(ctx, eventID, eventType, license.ID); err != nil {
		return nil, false, err
	}

	return license, existing, nil
}

// List returns all licenses with their activated device sets.
func (s *LicenseService) List(ctx context.Context) ([]*LicenseDetails, error) {
	licenses, err := s.licenses.List(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]*LicenseDetails, 0, len(licenses))
	for _, license := range licenses {
		devices, err := s.licenses.ActivatedDevices(ctx, license.ID)
		if err != nil {
			return nil, err
		}
		details = append(details, &LicenseDetails{
			License:          license,
			ActivatedDevices: devices,
		})
	}

	return details, nil
}

// LicenseDetails pairs a license with its activated device identifiers.
type LicenseDetails struct {
	*models.License
	ActivatedDevices []string `json:"activatedDevices"`
}

// Invalidate permanently rejects a license key.
func (s *LicenseService) Invalidate(ctx context.Context, key string) error {
	if err := s.licenses.Invalidate(ctx, key); err != nil {
		return err
	}

	log.Info().Str("licenseKey", maskLicenseKey(key)).Msg("License invalidated")
	return nil
}

// maskLicenseKey masks a license key for logging (shows first 8 chars + ***).
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
