package core

import (
	"context"
)

// OAuthExchanger obtains a fresh token for a user from the provider's OAuth flow.
// Failures are ErrConsentRequired, ErrRevoked, ErrTransient or a *RateLimitError.
type OAuthExchanger interface {
	Exchange(ctx context.Context, userID string) (*Token, error)

	Provider() Provider
}

// GrantForgetter is implemented by exchangers that keep per-user grants.
type GrantForgetter interface {
	ForgetGrant(ctx context.Context, userID string) error
}

// ProviderAPIProbe talks to the provider's REST API on behalf of a token.
type ProviderAPIProbe interface {
	// Validate reports whether the provider accepts the token. Only
	// transient and rate-limit failures are returned as errors.
	Validate(ctx context.Context, token *Token) (bool, error)

	// GetUserData fails with ErrUnauthorized, ErrTransient or a *RateLimitError.
	GetUserData(ctx context.Context, token *Token) (*ProviderIdentity, error)

	Provider() Provider
}

// ConsentFlow drives the interactive authorization that produces a Grant.
type ConsentFlow interface {
	AuthCodeURL(state string) string

	CompleteConsent(ctx context.Context, userID, code string) error

	// Scopes requested from the user
	Scopes() []string

	Provider() Provider
}
