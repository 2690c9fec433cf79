package github

import "time"

// DeviceCodeGrant is the device authorization response that drives the token
// poll loop. Immutable once issued: ExpiresIn bounds the loop, Interval sets
// its starting cadence.
type DeviceCodeGrant struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	ExpiresIn       time.Duration
	Interval        time.Duration
}

// deviceCodeResponse is the wire form of the device code grant.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// TokenPollResponse is one access-token poll attempt. Exactly one of
// AccessToken and Error is meaningful; both absent means the authorization is
// still pending.
type TokenPollResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
}

// Token poll error codes defined by RFC 8628.
const (
	PollErrorPending      = "authorization_pending"
	PollErrorSlowDown     = "slow_down"
	PollErrorExpiredToken = "expired_token"
	PollErrorAccessDenied = "access_denied"
)

// QuotaSnapshot is a point-in-time usage record for one quota bucket.
type QuotaSnapshot struct {
	Entitlement      float64 `json:"entitlement"`
	Remaining        float64 `json:"remaining"`
	PercentRemaining float64 `json:"percent_remaining"`
	Unlimited        bool    `json:"unlimited"`
	OveragePermitted bool    `json:"overage_permitted"`
	OverageCount     float64 `json:"overage_count"`
}

// CopilotUsage is the slice of the quota API response the scheduler consumes.
type CopilotUsage struct {
	Login          string                   `json:"login"`
	CopilotPlan    string                   `json:"copilot_plan"`
	QuotaResetDate string                   `json:"quota_reset_date"`
	QuotaSnapshots map[string]QuotaSnapshot `json:"quota_snapshots"`
}

// Premium returns the premium-interactions snapshot when present.
func (u *CopilotUsage) Premium() (QuotaSnapshot, bool) {
	snap, ok := u.QuotaSnapshots["premium_interactions"]
	return snap, ok
}

// Release is the latest published release metadata.
type Release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}
