package models

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrDuplicateKey    = errors.New("license key collision")
	ErrOwnerExists     = errors.New("license already issued for owner")
)

// License represents a license record in the database. A license is created
// once per (owner, email) pair and never deleted; verification only grows the
// activation set, and invalidation is permanent.
type License struct {
	ID              int       `json:"id"`
	LicenseKey      string    `json:"licenseKey"`
	OwnerID         string    `json:"ownerId"`
	Email           string    `json:"email"`
	Name            *string   `json:"name,omitempty"`
	MaxActivations  int       `json:"maxActivations"`
	ActivationCount int       `json:"activationCount"`
	IsValid         bool      `json:"isValid"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ActivationStatus is the outcome of an activation attempt.
type ActivationStatus string

const (
	// ActivationStatusActivated means the device consumed one activation.
	ActivationStatusActivated ActivationStatus = "activated"
	// ActivationStatusAlreadyActive means the device already held an
	// activation; nothing changed.
	ActivationStatusAlreadyActive ActivationStatus = "already_active"
	// ActivationStatusLimitReached means a new device was refused because
	// the ceiling is exhausted.
	ActivationStatusLimitReached ActivationStatus = "limit_reached"
	// ActivationStatusInvalid means the key is unknown or invalidated.
	ActivationStatusInvalid ActivationStatus = "invalid"
)

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

// GenerateLicenseKey returns a new license-formatted token: the configured
// prefix plus 20 base32 characters from crypto/rand (100 bits of entropy).
// Uniqueness is enforced by the store's UNIQUE constraint, not here.
func GenerateLicenseKey(prefix string) (string, error) {
	buf := make([]byte, 13)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate license key: %w", err)
	}

	suffix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return fmt.Sprintf("%s-%s", prefix, suffix[:20]), nil
}

const licenseColumns = `id, license_key, owner_id, email, name, max_activations,
       activation_count, is_valid, created_at, updated_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	license := &License{}
	err := row.Scan(
		&license.ID,
		&license.LicenseKey,
		&license.OwnerID,
		&license.Email,
		&license.Name,
		&license.MaxActivations,
		&license.ActivationCount,
		&license.IsValid,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return license, nil
}

// Create inserts a new license record with zero activations. It returns
// ErrDuplicateKey if the generated key collides with an existing one, which
// callers should treat as retryable.
func (s *LicenseStore) Create(ctx context.Context, key, ownerID, email string, name *string, maxActivations int) (*License, error) {
	query := `
		INSERT INTO licenses (license_key, owner_id, email, name, max_activations)
		VALUES (?, ?, ?, ?, ?)
		RETURNING ` + licenseColumns

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, key, ownerID, email, name, maxActivations))
	if err != nil {
		if isUniqueViolation(err, "licenses.license_key") {
			return nil, ErrDuplicateKey
		}
		if isUniqueViolation(err, "licenses.owner_id") {
			return nil, ErrOwnerExists
		}
		return nil, err
	}

	return license, nil
}

// GetByKey retrieves a license by its key.
func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}

	return license, nil
}

// GetByOwner retrieves the license issued for an (owner, email) pair.
func (s *LicenseStore) GetByOwner(ctx context.Context, ownerID, email string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE owner_id = ? AND email = ?`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, ownerID, email))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}

	return license, nil
}

// List returns all licenses, newest first.
func (s *LicenseStore) List(ctx context.Context) ([]*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// ActivatedDevices returns the device identifiers holding an activation on
// the license, oldest first.
func (s *LicenseStore) ActivatedDevices(ctx context.Context, licenseID int) ([]string, error) {
	query := `
		SELECT device_id FROM license_activations
		WHERE license_id = ?
		ORDER BY activated_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var device string
		if err := rows.Scan(&device); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// Activate runs the per-record activation state machine for a device:
//
//   - unknown or invalidated key        -> invalid, no mutation
//   - device already holds activation   -> already_active, no mutation
//   - activation_count at the ceiling   -> limit_reached, no mutation
//   - otherwise                         -> activated, count+1, device recorded
//
// The membership check comes before the ceiling check, so a device that
// already holds an activation re-verifies successfully even when the ceiling
// is exhausted. The mutating path is a single transaction whose first
// statement is a guarded UPDATE, so concurrent requests serialize on the
// SQLite write lock and activation_count can never exceed max_activations.
func (s *LicenseStore) Activate(ctx context.Context, key, deviceID string) (ActivationStatus, error) {
	license, err := s.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return ActivationStatusInvalid, nil
		}
		return "", err
	}

	// is_valid is rechecked on every call; a key invalidated after
	// activation is rejected even for devices that already activated.
	if !license.IsValid {
		return ActivationStatusInvalid, nil
	}

	active, err := s.deviceActivated(ctx, license.ID, deviceID)
	if err != nil {
		return "", err
	}
	if active {
		return ActivationStatusAlreadyActive, nil
	}

	claimed, err := s.claimActivation(ctx, license.ID, deviceID)
	if err != nil {
		return "", err
	}
	if claimed {
		return ActivationStatusActivated, nil
	}

	// The guarded UPDATE matched nothing. Re-read to tell a lost
	// same-device race apart from an exhausted ceiling or a concurrent
	// invalidation.
	active, err = s.deviceActivated(ctx, license.ID, deviceID)
	if err != nil {
		return "", err
	}
	if active {
		return ActivationStatusAlreadyActive, nil
	}

	license, err = s.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return ActivationStatusInvalid, nil
		}
		return "", err
	}
	if !license.IsValid {
		return ActivationStatusInvalid, nil
	}

	return ActivationStatusLimitReached, nil
}

func (s *LicenseStore) deviceActivated(ctx context.Context, licenseID int, deviceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM license_activations WHERE license_id = ? AND device_id = ?
		)
	`, licenseID, deviceID).Scan(&exists)
	return exists, err
}

// claimActivation atomically consumes one unit of the ceiling for a new
// device. It reports false without error when the license has no headroom,
// was invalidated, or the device raced in through another request.
func (s *LicenseStore) claimActivation(ctx context.Context, licenseID int, deviceID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET activation_count = activation_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		  AND is_valid = 1
		  AND activation_count < max_activations
		  AND NOT EXISTS (
			SELECT 1 FROM license_activations WHERE license_id = ? AND device_id = ?
		  )
	`, licenseID, licenseID, deviceID)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO license_activations (license_id, device_id) VALUES (?, ?)
	`, licenseID, deviceID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// Invalidate permanently rejects a license key.
func (s *LicenseStore) Invalidate(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET is_valid = 0, updated_at = CURRENT_TIMESTAMP WHERE license_key = ?
	`, key)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLicenseNotFound
	}

	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+constraint)
}
