package storage

import (
	"fmt"
	"strings"
	"time"

	"scmauthd/core"
)

// Backend is a storage engine holding both tokens and grants.
type Backend interface {
	core.TokenStore
	core.GrantStore
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, op, err)
}

// Instants are stored as Unix nanoseconds so they round-trip exactly;
// zero encodes an absent optional instant.

func toNanos(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

// instantNanos and fromInstantNanos encode required instants; the zero time is 0.
func instantNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromInstantNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}
