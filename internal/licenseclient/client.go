package licenseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is a thin HTTP client for the keygate issuance API, used by the mail
// watcher to request one license per purchased unit.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type generateRequest struct {
	OwnerID string  `json:"ownerId"`
	Email   string  `json:"email"`
	Name    *string `json:"name,omitempty"`
}

// IssueResult is the issuance API response.
type IssueResult struct {
	LicenseKey string `json:"licenseKey"`
	Existing   bool   `json:"existing"`
}

// GenerateLicense requests a license for an (owner, email) pair. A non-2xx
// response is returned as an error; the caller decides whether to continue
// with remaining units.
func (c *Client) GenerateLicense(ctx context.Context, ownerID, email string, name *string) (*IssueResult, error) {
	body, err := json.Marshal(generateRequest{
		OwnerID: ownerID,
		Email:   email,
		Name:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode issuance request: %w", err)
	}

	url := c.baseURL + "/api/generate-license"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create issuance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("ownerId", ownerID).Str("url", url).Msg("Requesting license issuance")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issuance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("issuance request returned status %d", resp.StatusCode)
	}

	var result IssueResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode issuance response: %w", err)
	}

	return &result, nil
}
