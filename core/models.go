package core

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Provider names a source-control provider integration
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
	// Future providers can be added here
)

// Token is the personal access token held for one (user, provider) pair
type Token struct {
	ID              uuid.UUID
	UserID          string
	Provider        Provider
	Value           string
	Scopes          []string
	IssuedAt        time.Time
	ExpiresAt       *time.Time // Nil for tokens the provider never expires
	LastValidatedAt *time.Time // Last time the provider accepted the token
}

// Expired reports whether the token has an expiry at or before now.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// HasScopes reports whether every required scope was granted.
func (t *Token) HasScopes(required ...string) bool {
	for _, scope := range required {
		if !slices.Contains(t.Scopes, scope) {
			return false
		}
	}
	return true
}

func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Scopes = slices.Clone(t.Scopes)
	if t.ExpiresAt != nil {
		expiresAt := *t.ExpiresAt
		clone.ExpiresAt = &expiresAt
	}
	if t.LastValidatedAt != nil {
		validatedAt := *t.LastValidatedAt
		clone.LastValidatedAt = &validatedAt
	}
	return &clone
}

// ResolutionRequest is one call into the resolver; never persisted
type ResolutionRequest struct {
	UserID       string
	Provider     Provider
	ForceRefresh bool
}

func (r ResolutionRequest) key() string {
	return r.UserID + "\x00" + string(r.Provider)
}

// ProviderIdentity is what the provider reports about the token's owner
type ProviderIdentity struct {
	RemoteUserID string         `json:"remote_user_id"`
	Login        string         `json:"login"`
	Name         string         `json:"name,omitempty"`
	Email        string         `json:"email,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// Grant is the OAuth authorization a user gave us through the consent flow
type Grant struct {
	UserID       string
	Provider     Provider
	AccessToken  string
	RefreshToken string // Empty when the provider does not rotate tokens (GitHub OAuth apps)
	Scopes       []string
	Expiry       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
