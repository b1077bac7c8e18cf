package httpidp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tillworks/posterm/internal/identity"
)

// providerError is the provider's error response body.
type providerError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// doRequest performs an HTTP request with the client's API key attached.
// bearer, when non-empty, is sent as the Authorization header.
func (c *Client) doRequest(
	ctx context.Context,
	method, path string,
	body any,
	bearer string,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	return resp, nil
}

// decodeJSON decodes a success response into target, or maps an error body
// to the package's error taxonomy.
func decodeJSON(resp *http.Response, target any, expectedStatus int) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", identity.ErrUnavailable, err)
	}

	if resp.StatusCode != expectedStatus {
		return mapError(resp.StatusCode, data)
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", identity.ErrUnavailable, err)
	}
	return nil
}

// mapError converts an error response into the identity sentinels so the
// coordinator never has to inspect status codes.
func mapError(status int, body []byte) error {
	var pe providerError
	_ = json.Unmarshal(body, &pe)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if pe.Code == "invalid_grant" {
			return fmt.Errorf("%w: %s", identity.ErrInvalidGrant, pe.Description)
		}
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, pe.Description)
	case status == http.StatusBadRequest && pe.Code == "invalid_grant":
		return fmt.Errorf("%w: %s", identity.ErrInvalidGrant, pe.Description)
	case status == http.StatusBadRequest && pe.Code == "invalid_credentials":
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, pe.Description)
	case status == http.StatusConflict || pe.Code == "user_already_exists":
		return fmt.Errorf("%w: %s", identity.ErrUserExists, pe.Description)
	default:
		return fmt.Errorf("%w: status %d: %s", identity.ErrUnavailable, status, pe.Description)
	}
}
