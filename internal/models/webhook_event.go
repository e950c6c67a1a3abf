package models

import (
	"context"
	"database/sql"
)

// WebhookEventStore records processed payment-provider events so a replayed
// delivery of the same event never issues a second license.
type WebhookEventStore struct {
	db *sql.DB
}

func NewWebhookEventStore(db *sql.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// Record marks an event as processed and links it to the license it issued.
// It reports false when the event was already recorded.
func (s *WebhookEventStore) Record(ctx context.Context, eventID, eventType string, licenseID int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_events (event_id, event_type, license_id)
		VALUES (?, ?, ?)
	`, eventID, eventType, licenseID)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// LicenseForEvent returns the license issued for a previously processed
// event, or ErrLicenseNotFound when the event is unknown.
func (s *WebhookEventStore) LicenseForEvent(ctx context.Context, eventID string) (*License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE id = (SELECT license_id FROM webhook_events WHERE event_id = ?)
	`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}

	return license, nil
}
