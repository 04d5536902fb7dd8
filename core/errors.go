package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnsupportedProvider = errors.New("unsupported provider")

	ErrStoreUnavailable = errors.New("token store unavailable")
	ErrConsentRequired  = errors.New("user consent required")
	ErrRevoked          = errors.New("grant revoked")
	ErrTransient        = errors.New("transient provider failure")
	ErrRateLimited      = errors.New("provider rate limit exceeded")
	ErrUnauthorized     = errors.New("provider rejected token")
)

// RateLimitError carries the provider's retry hint. It matches ErrRateLimited.
type RateLimitError struct {
	Provider   Provider
	RetryAfter time.Duration // Zero when the provider gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %v (retry after %s)", e.Provider, ErrRateLimited, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %v", e.Provider, ErrRateLimited)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the rate-limit hint from err, if there is one.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return 0, false
}

// Reason classifies why a resolution failed
type Reason string

const (
	ReasonConsentRequired     Reason = "consent_required"
	ReasonRevoked             Reason = "revoked"
	ReasonTransient           Reason = "transient"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonStoreUnavailable    Reason = "store_unavailable"
	ReasonUnsupportedProvider Reason = "unsupported_provider"
)

// ResolutionError is returned by the resolver once every recovery path is exhausted.
// It unwraps to the underlying cause.
type ResolutionError struct {
	UserID   string
	Provider Provider
	Reason   Reason
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s token for user %q: %s: %v", e.Provider, e.UserID, e.Reason, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func reasonFor(err error) Reason {
	// A store failure wins: whatever else happened, the stored state is unknown.
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	case errors.Is(err, ErrConsentRequired):
		return ReasonConsentRequired
	case errors.Is(err, ErrRevoked):
		return ReasonRevoked
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrUnsupportedProvider):
		return ReasonUnsupportedProvider
	default:
		return ReasonTransient
	}
}
