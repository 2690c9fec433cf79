package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quotabar/quotabar/internal/errors"
)

// APIClient talks to the GitHub REST API: the Copilot quota endpoint and the
// releases endpoint used by the update check.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient builds a client for api.github.com or an override base URL.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
	}
}

// FetchUsage fetches the current Copilot quota for the token's user.
// 401 and 403 are auth-classified; other non-200 statuses are generic API
// errors.
func (c *APIClient) FetchUsage(ctx context.Context, token string) (*CopilotUsage, error) {
	const op = "fetch_usage"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/copilot_internal/user", nil)
	if err != nil {
		return nil, errors.New(errors.KindInvalidEndpoint, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.New(errors.KindAPIError, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.New(errors.KindAuthenticationFailed, op, nil).WithStatusCode(resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.New(errors.KindAPIError, op,
			fmt.Errorf("unexpected status %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var usage CopilotUsage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return nil, errors.New(errors.KindAPIError, op, fmt.Errorf("decode usage: %w", err))
	}
	return &usage, nil
}

// LatestRelease fetches the latest published release for the given
// "owner/repo".
func (c *APIClient) LatestRelease(ctx context.Context, repo string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/releases/latest", c.BaseURL, repo), nil)
	if err != nil {
		return nil, fmt.Errorf("latest release: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("latest release: unexpected status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("latest release: decode: %w", err)
	}
	return &release, nil
}
