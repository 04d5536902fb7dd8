package storage

import (
	"context"
	"time"

	"scmauthd/core"

	"github.com/google/uuid"
)

// SealedStore encrypts token values and grant secrets before they reach the
// wrapped backend. Everything else passes through unchanged.
type SealedStore struct {
	inner  Backend
	crypto *core.CryptoService
}

var _ Backend = (*SealedStore)(nil)

func NewSealedStore(inner Backend, crypto *core.CryptoService) *SealedStore {
	return &SealedStore{inner: inner, crypto: crypto}
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}

func (s *SealedStore) Get(ctx context.Context, userID string, provider core.Provider) (*core.Token, error) {
	token, err := s.inner.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if token.Value, err = s.open(token.Value); err != nil {
		return nil, unavailable("unseal token", err)
	}
	return token, nil
}

func (s *SealedStore) Put(ctx context.Context, token *core.Token) error {
	sealed := token.Clone()
	var err error
	if sealed.Value, err = s.seal(sealed.Value); err != nil {
		return unavailable("seal token", err)
	}
	return s.inner.Put(ctx, sealed)
}

func (s *SealedStore) MarkValidated(ctx context.Context, userID string, provider core.Provider, id uuid.UUID, at time.Time) error {
	return s.inner.MarkValidated(ctx, userID, provider, id, at)
}

func (s *SealedStore) Delete(ctx context.Context, userID string, provider core.Provider) error {
	return s.inner.Delete(ctx, userID, provider)
}

func (s *SealedStore) DeleteAllForUser(ctx context.Context, userID string) error {
	return s.inner.DeleteAllForUser(ctx, userID)
}

func (s *SealedStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.inner.DeleteExpired(ctx, now)
}

func (s *SealedStore) GetGrant(ctx context.Context, userID string, provider core.Provider) (*core.Grant, error) {
	grant, err := s.inner.GetGrant(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if grant.AccessToken, err = s.open(grant.AccessToken); err != nil {
		return nil, unavailable("unseal grant", err)
	}
	if grant.RefreshToken, err = s.open(grant.RefreshToken); err != nil {
		return nil, unavailable("unseal grant", err)
	}
	return grant, nil
}

func (s *SealedStore) PutGrant(ctx context.Context, grant *core.Grant) error {
	sealed := cloneGrant(grant)
	var err error
	if sealed.AccessToken, err = s.seal(sealed.AccessToken); err != nil {
		return unavailable("seal grant", err)
	}
	if sealed.RefreshToken, err = s.seal(sealed.RefreshToken); err != nil {
		return unavailable("seal grant", err)
	}
	return s.inner.PutGrant(ctx, sealed)
}

func (s *SealedStore) DeleteGrant(ctx context.Context, userID string, provider core.Provider) error {
	return s.inner.DeleteGrant(ctx, userID, provider)
}

// Empty strings stay empty so "no refresh token" survives sealing.

func (s *SealedStore) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return s.crypto.EncryptToken(plaintext)
}

func (s *SealedStore) open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return s.crypto.DecryptToken(ciphertext)
}
