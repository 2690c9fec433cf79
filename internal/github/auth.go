package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	oauthgithub "golang.org/x/oauth2/github"

	"github.com/quotabar/quotabar/internal/errors"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// AuthClient performs the two Device Authorization Grant HTTP calls.
type AuthClient struct {
	ClientID      string
	DeviceCodeURL string
	TokenURL      string
	HTTPClient    *http.Client
}

// NewAuthClient builds a client for the device flow. An empty baseURL uses
// the public GitHub endpoints.
func NewAuthClient(baseURL, clientID string, httpClient *http.Client) *AuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	deviceCodeURL := oauthgithub.Endpoint.DeviceAuthURL
	tokenURL := oauthgithub.Endpoint.TokenURL
	if baseURL != "" && baseURL != "https://github.com" {
		base := strings.TrimRight(baseURL, "/")
		deviceCodeURL = base + "/login/device/code"
		tokenURL = base + "/login/oauth/access_token"
	}

	return &AuthClient{
		ClientID:      clientID,
		DeviceCodeURL: deviceCodeURL,
		TokenURL:      tokenURL,
		HTTPClient:    httpClient,
	}
}

// RequestDeviceCode asks GitHub for a user code and device code, scoped to
// Copilot.
func (c *AuthClient) RequestDeviceCode(ctx context.Context) (*DeviceCodeGrant, error) {
	form := url.Values{
		"client_id": {c.ClientID},
		"scope":     {"copilot"},
	}

	var decoded deviceCodeResponse
	status, err := c.postForm(ctx, c.DeviceCodeURL, form, &decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDeviceCodeRequest, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errors.ErrDeviceCodeRequest, status)
	}
	if decoded.DeviceCode == "" || decoded.UserCode == "" {
		return nil, fmt.Errorf("%w: response missing codes", errors.ErrDeviceCodeRequest)
	}

	return &DeviceCodeGrant{
		DeviceCode:      decoded.DeviceCode,
		UserCode:        decoded.UserCode,
		VerificationURL: decoded.VerificationURI,
		ExpiresIn:       time.Duration(decoded.ExpiresIn) * time.Second,
		Interval:        time.Duration(decoded.Interval) * time.Second,
	}, nil
}

// PollToken performs one access-token poll attempt for the given device code.
// The response carries either a token, an RFC 8628 error code, or neither
// (still pending); transport and decode failures are returned as errors.
func (c *AuthClient) PollToken(ctx context.Context, deviceCode string) (*TokenPollResponse, error) {
	form := url.Values{
		"client_id":   {c.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceGrantType},
	}

	var decoded TokenPollResponse
	status, err := c.postForm(ctx, c.TokenURL, form, &decoded)
	if err != nil {
		return nil, fmt.Errorf("token poll: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token poll: status %d", status)
	}
	return &decoded, nil
}

func (c *AuthClient) postForm(ctx context.Context, endpoint string, form url.Values, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
