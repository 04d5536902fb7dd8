package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TokenStore persists at most one token per (userID, provider).
// Storage failures are wrapped in ErrStoreUnavailable.
type TokenStore interface {
	// Get returns ErrNotFound when no token is stored for the key.
	Get(ctx context.Context, userID string, provider Provider) (*Token, error)

	// Put replaces whatever is stored for (token.UserID, token.Provider).
	Put(ctx context.Context, token *Token) error

	// MarkValidated sets LastValidatedAt on the stored token, but only while
	// the stored token still has the given ID. Otherwise it returns ErrNotFound.
	MarkValidated(ctx context.Context, userID string, provider Provider, id uuid.UUID, at time.Time) error

	// Delete is idempotent.
	Delete(ctx context.Context, userID string, provider Provider) error

	DeleteAllForUser(ctx context.Context, userID string) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// GrantStore persists the OAuth grants that back the exchangers.
type GrantStore interface {
	GetGrant(ctx context.Context, userID string, provider Provider) (*Grant, error)

	PutGrant(ctx context.Context, grant *Grant) error

	DeleteGrant(ctx context.Context, userID string, provider Provider) error
}
