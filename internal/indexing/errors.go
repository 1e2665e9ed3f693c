package indexing

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated indicates no credential exists for the user.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrReauthRequired indicates the refresh token is expired or revoked.
// It is surfaced to the caller and never retried automatically.
var ErrReauthRequired = errors.New("reauthorization required")

// QuotaExceededError rejects a submission wholesale and reports the exact
// remaining daily capacity so the caller can resubmit a smaller set.
type QuotaExceededError struct {
	UserID    string
	Property  string
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s/%s: %d submissions remaining today", e.UserID, e.Property, e.Remaining)
}

// ValidationError marks a URL rejected locally before any network call.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// TransportError wraps a chunk-level failure after retries are exhausted.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("batch transport failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
