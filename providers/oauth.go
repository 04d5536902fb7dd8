package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"scmauthd/core"
)

// OAuth2Exchanger turns a user's stored grant into a fresh token and runs
// the consent flow that creates the grant in the first place.
type OAuth2Exchanger struct {
	provider   core.Provider
	config     *oauth2.Config
	grants     core.GrantStore
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewOAuth2Exchanger(provider core.Provider, config *oauth2.Config, grants core.GrantStore, httpClient *http.Client, logger *zap.Logger) *OAuth2Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth2Exchanger{
		provider:   provider,
		config:     config,
		grants:     grants,
		httpClient: httpClient,
		logger:     logger.With(zap.String("provider", string(provider))),
		now:        time.Now,
	}
}

// Exchange refreshes the grant when it has a refresh token. Grants without
// one (GitHub OAuth apps) hand out their access token until it expires.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, userID string) (*core.Token, error) {
	grant, err := e.grants.GetGrant(ctx, userID, e.provider)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: no %s grant", core.ErrConsentRequired, e.provider)
	}
	if err != nil {
		return nil, err
	}

	if grant.RefreshToken == "" {
		if grant.AccessToken == "" || (grant.Expiry != nil && !e.now().Before(*grant.Expiry)) {
			return nil, fmt.Errorf("%w: %s grant expired", core.ErrConsentRequired, e.provider)
		}
		return &core.Token{
			Value:     grant.AccessToken,
			Scopes:    grant.Scopes,
			IssuedAt:  e.now().UTC(),
			ExpiresAt: grant.Expiry,
		}, nil
	}

	src := e.config.TokenSource(e.clientContext(ctx), &oauth2.Token{RefreshToken: grant.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, e.classify(ctx, userID, err)
	}

	token := e.token(tok, grant.Scopes)

	grant.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" && tok.RefreshToken != grant.RefreshToken {
		e.logger.Debug("provider rotated refresh token", zap.String("user_id", userID))
		grant.RefreshToken = tok.RefreshToken
	}
	grant.Expiry = token.ExpiresAt
	grant.Scopes = token.Scopes
	grant.UpdatedAt = e.now().UTC()
	if err := e.grants.PutGrant(ctx, grant); err != nil {
		return nil, err
	}

	return token, nil
}

func (e *OAuth2Exchanger) classify(ctx context.Context, userID string, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return fmt.Errorf("%w: %s token endpoint: %v", core.ErrTransient, e.provider, err)
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}

	switch {
	case rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "bad_refresh_token":
		e.logger.Info("grant revoked by provider", zap.String("user_id", userID), zap.String("error_code", rerr.ErrorCode))
		revoked := fmt.Errorf("%w: %v", core.ErrRevoked, err)
		if derr := e.grants.DeleteGrant(ctx, userID, e.provider); derr != nil {
			return errors.Join(revoked, derr)
		}
		return revoked
	case rerr.ErrorCode == "consent_required" || rerr.ErrorCode == "interaction_required" || rerr.ErrorCode == "login_required":
		return fmt.Errorf("%w: %v", core.ErrConsentRequired, err)
	case status == http.StatusTooManyRequests:
		return &core.RateLimitError{Provider: e.provider, RetryAfter: retryAfter(rerr.Response.Header, e.now())}
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrConsentRequired, err)
	}
}

func (e *OAuth2Exchanger) token(tok *oauth2.Token, fallbackScopes []string) *core.Token {
	scopes := fallbackScopes
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = splitScopes(raw)
	}

	token := &core.Token{
		Value:    tok.AccessToken,
		Scopes:   scopes,
		IssuedAt: e.now().UTC(),
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		token.ExpiresAt = &expiry
	}
	return token
}

func (e *OAuth2Exchanger) AuthCodeURL(state string) string {
	return e.config.AuthCodeURL(state)
}

// CompleteConsent trades the authorization code for a grant and stores it.
func (e *OAuth2Exchanger) CompleteConsent(ctx context.Context, userID, code string) error {
	tok, err := e.config.Exchange(e.clientContext(ctx), code)
	if err != nil {
		return fmt.Errorf("exchange %s authorization code: %w", e.provider, err)
	}

	now := e.now().UTC()
	token := e.token(tok, e.config.Scopes)
	grant := &core.Grant{
		UserID:       userID,
		Provider:     e.provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       token.Scopes,
		Expiry:       token.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.grants.PutGrant(ctx, grant); err != nil {
		return err
	}

	e.logger.Info("stored oauth grant", zap.String("user_id", userID), zap.Strings("scopes", grant.Scopes))
	return nil
}

func (e *OAuth2Exchanger) ForgetGrant(ctx context.Context, userID string) error {
	return e.grants.DeleteGrant(ctx, userID, e.provider)
}

func (e *OAuth2Exchanger) Scopes() []string {
	return e.config.Scopes
}

func (e *OAuth2Exchanger) Provider() core.Provider {
	return e.provider
}

func (e *OAuth2Exchanger) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}
