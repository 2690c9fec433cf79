// Package errors defines the error taxonomy for quota fetches and the
// device-flow authentication path. Every gateway wraps transport and decode
// failures into one of these types at the effect boundary; callers classify
// with errors.Is/As, never by string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error values for the device-flow path.
var (
	ErrDeviceCodeRequest = errors.New("device code request failed")
	ErrGrantExpired      = errors.New("device authorization expired")
	ErrAccessDenied      = errors.New("access denied")
)

// Kind categorizes a quota fetch failure.
type Kind string

const (
	KindNoCredential          Kind = "no_credential"
	KindCredentialFileMissing Kind = "credential_file_missing"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindInvalidEndpoint       Kind = "invalid_endpoint"
	KindAPIError              Kind = "api_error"
)

// QuotaError is a structured error for quota fetch operations.
type QuotaError struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "fetch_usage"
	Err        error  // underlying error, may be nil
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *QuotaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Kind)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// New creates a QuotaError for the given kind and operation.
func New(kind Kind, op string, err error) *QuotaError {
	return &QuotaError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode attaches the HTTP status code that produced the error.
func (e *QuotaError) WithStatusCode(code int) *QuotaError {
	e.StatusCode = code
	return e
}

// Description returns the human-readable message shown in the UI banner.
func (e *QuotaError) Description() string {
	switch e.Kind {
	case KindNoCredential:
		return "No GitHub credential found. Sign in to continue."
	case KindCredentialFileMissing:
		return "Credential file not found. Sign in to continue."
	case KindAuthenticationFailed:
		return "GitHub rejected the stored credential. Sign in again."
	case KindInvalidEndpoint:
		return "Invalid API endpoint configuration."
	default:
		return e.Error()
	}
}

// IsAuthError reports whether err is a failure that re-authentication can
// resolve, as opposed to a transient or configuration error.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var qe *QuotaError
	if errors.As(err, &qe) {
		switch qe.Kind {
		case KindNoCredential, KindCredentialFileMissing, KindAuthenticationFailed:
			return true
		}
		if qe.StatusCode == 401 || qe.StatusCode == 403 {
			return true
		}
	}

	return false
}
