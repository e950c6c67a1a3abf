package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey authorizes access to the admin endpoints. Only the SHA256 hash is
// stored; the raw key is shown once at creation.
type APIKey struct {
	ID         int        `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type APIKeyStore struct {
	db *sql.DB
}

func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// GenerateAPIKey generates a new admin API key.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashAPIKey creates a SHA256 hash of the API key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func (s *APIKeyStore) Create(ctx context.Context, name string) (string, *APIKey, error) {
	rawKey, err := GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	keyHash := HashAPIKey(rawKey)

	query := `
		INSERT INTO api_keys (key_hash, name)
		VALUES (?, ?)
		RETURNING id, key_hash, name, created_at, last_used_at
	`

	apiKey := &APIKey{}
	err = s.db.QueryRowContext(ctx, query, keyHash, name).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.Name,
		&apiKey.CreatedAt,
		&apiKey.LastUsedAt,
	)
	if err != nil {
		return "", nil, err
	}

	return rawKey, apiKey, nil
}

// Validate looks up an API key by its raw value and records the use.
func (s *APIKeyStore) Validate(ctx context.Context, rawKey string) (*APIKey, error) {
	query := `
		SELECT id, key_hash, name, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = ?
	`

	apiKey := &APIKey{}
	err := s.db.QueryRowContext(ctx, query, HashAPIKey(rawKey)).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.Name,
		&apiKey.CreatedAt,
		&apiKey.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, apiKey.ID); err != nil {
		return nil, err
	}

	return apiKey, nil
}

func (s *APIKeyStore) List(ctx context.Context) ([]*APIKey, error) {
	query := `
		SELECT id, key_hash, name, created_at, last_used_at
		FROM api_keys
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		apiKey := &APIKey{}
		err := rows.Scan(
			&apiKey.ID,
			&apiKey.KeyHash,
			&apiKey.Name,
			&apiKey.CreatedAt,
			&apiKey.LastUsedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, apiKey)
	}

	return keys, rows.Err()
}

func (s *APIKeyStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}
