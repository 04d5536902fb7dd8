package storage_test

import (
	"context"
	"testing"
	"time"

	"scmauthd/core"
	"scmauthd/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendCase runs the behaviour every Backend shares. User IDs are random
// so shared databases can be reused across runs.
type backendCase struct {
	open func(t *testing.T) storage.Backend

	// ttlEviction marks backends that expire tokens themselves and sweep nothing.
	ttlEviction bool
}

func (c backendCase) run(t *testing.T) {
	t.Run("GetMissing", c.testGetMissing)
	t.Run("PutGetRoundTrip", c.testRoundTrip)
	t.Run("ZeroIssuedAtRoundTrip", c.testZeroIssuedAt)
	t.Run("MarkValidated", c.testMarkValidated)
	t.Run("PutReplaces", c.testPutReplaces)
	t.Run("DeleteIsIdempotent", c.testDeleteIdempotent)
	t.Run("DeleteAllForUser", c.testDeleteAllForUser)
	t.Run("DeleteExpired", c.testDeleteExpired)
	t.Run("GrantRoundTrip", c.testGrantRoundTrip)
}

func newUser() string {
	return "user_" + uuid.NewString()
}

func newToken(userID string, provider core.Provider, value string) *core.Token {
	issued := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	expires := time.Now().Add(time.Hour).UTC()
	return &core.Token{
		ID:        uuid.New(),
		UserID:    userID,
		Provider:  provider,
		Value:     value,
		Scopes:    []string{"repo", "read:user"},
		IssuedAt:  issued,
		ExpiresAt: &expires,
	}
}

func (c backendCase) testGetMissing(t *testing.T) {
	store := c.open(t)

	_, err := store.Get(context.Background(), newUser(), core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = store.GetGrant(context.Background(), newUser(), core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func (c backendCase) testRoundTrip(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitHub, "ghp_roundtrip")
	validated := time.Now().Add(-time.Minute).UTC()
	token.LastValidatedAt = &validated
	require.NoError(t, store.Put(ctx, token))

	got, err := store.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)

	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, token.UserID, got.UserID)
	assert.Equal(t, token.Provider, got.Provider)
	assert.Equal(t, token.Value, got.Value)
	assert.Equal(t, token.Scopes, got.Scopes)
	assert.True(t, token.IssuedAt.Equal(got.IssuedAt))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, token.ExpiresAt.Equal(*got.ExpiresAt))
	require.NotNil(t, got.LastValidatedAt)
	assert.True(t, validated.Equal(*got.LastValidatedAt))
}

func (c backendCase) testZeroIssuedAt(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitHub, "ghp_unissued")
	token.IssuedAt = time.Time{}
	require.NoError(t, store.Put(ctx, token))

	got, err := store.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.True(t, got.IssuedAt.IsZero(), "issued at %v", got.IssuedAt)
}

func (c backendCase) testMarkValidated(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitHub, "ghp_validated")
	require.NoError(t, store.Put(ctx, token))

	validated := time.Now().Add(-time.Second).UTC()
	require.NoError(t, store.MarkValidated(ctx, token.UserID, core.ProviderGitHub, token.ID, validated))

	got, err := store.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "ghp_validated", got.Value)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, token.ExpiresAt.Equal(*got.ExpiresAt))
	require.NotNil(t, got.LastValidatedAt)
	assert.True(t, validated.Equal(*got.LastValidatedAt))

	// A different ID means the token was replaced; the stored row must not change.
	err = store.MarkValidated(ctx, token.UserID, core.ProviderGitHub, uuid.New(), time.Now().UTC())
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err = store.Get(ctx, token.UserID, core.ProviderGitHub)
	require.NoError(t, err)
	require.NotNil(t, got.LastValidatedAt)
	assert.True(t, validated.Equal(*got.LastValidatedAt))

	err = store.MarkValidated(ctx, newUser(), core.ProviderGitHub, token.ID, time.Now().UTC())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func (c backendCase) testPutReplaces(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()
	userID := newUser()

	require.NoError(t, store.Put(ctx, newToken(userID, core.ProviderGitHub, "ghp_old")))
	replacement := newToken(userID, core.ProviderGitHub, "ghp_new")
	replacement.ExpiresAt = nil
	require.NoError(t, store.Put(ctx, replacement))

	got, err := store.Get(ctx, userID, core.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "ghp_new", got.Value)
	assert.Equal(t, replacement.ID, got.ID)
	assert.Nil(t, got.ExpiresAt)
}

func (c backendCase) testDeleteIdempotent(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()

	token := newToken(newUser(), core.ProviderGitLab, "glpat_delete")
	require.NoError(t, store.Put(ctx, token))

	require.NoError(t, store.Delete(ctx, token.UserID, core.ProviderGitLab))
	require.NoError(t, store.Delete(ctx, token.UserID, core.ProviderGitLab))

	_, err := store.Get(ctx, token.UserID, core.ProviderGitLab)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func (c backendCase) testDeleteAllForUser(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()
	userID, other := newUser(), newUser()

	require.NoError(t, store.Put(ctx, newToken(userID, core.ProviderGitHub, "ghp_a")))
	require.NoError(t, store.Put(ctx, newToken(userID, core.ProviderGitLab, "glpat_a")))
	require.NoError(t, store.Put(ctx, newToken(other, core.ProviderGitHub, "ghp_b")))

	require.NoError(t, store.DeleteAllForUser(ctx, userID))

	_, err := store.Get(ctx, userID, core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = store.Get(ctx, userID, core.ProviderGitLab)
	assert.ErrorIs(t, err, core.ErrNotFound)

	kept, err := store.Get(ctx, other, core.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, "ghp_b", kept.Value)
}

func (c backendCase) testDeleteExpired(t *testing.T) {
	if c.ttlEviction {
		t.Skip("backend evicts expired tokens itself")
	}
	store := c.open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newToken(newUser(), core.ProviderGitHub, "ghp_expired")
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, store.Put(ctx, expired))

	boundary := newToken(newUser(), core.ProviderGitHub, "ghp_boundary")
	boundary.ExpiresAt = &now
	require.True(t, boundary.Expired(now))
	require.NoError(t, store.Put(ctx, boundary))

	live := newToken(newUser(), core.ProviderGitHub, "ghp_live")
	require.NoError(t, store.Put(ctx, live))

	forever := newToken(newUser(), core.ProviderGitHub, "ghp_forever")
	forever.ExpiresAt = nil
	require.NoError(t, store.Put(ctx, forever))

	count, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(2))

	_, err = store.Get(ctx, expired.UserID, core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = store.Get(ctx, boundary.UserID, core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = store.Get(ctx, live.UserID, core.ProviderGitHub)
	assert.NoError(t, err)
	_, err = store.Get(ctx, forever.UserID, core.ProviderGitHub)
	assert.NoError(t, err)
}

func (c backendCase) testGrantRoundTrip(t *testing.T) {
	store := c.open(t)
	ctx := context.Background()

	expiry := time.Now().Add(8 * time.Hour).UTC()
	created := time.Now().Add(-time.Hour).UTC()
	grant := &core.Grant{
		UserID:       newUser(),
		Provider:     core.ProviderGitLab,
		AccessToken:  "gl_access",
		RefreshToken: "gl_refresh",
		Scopes:       []string{"api", "openid"},
		Expiry:       &expiry,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	require.NoError(t, store.PutGrant(ctx, grant))

	got, err := store.GetGrant(ctx, grant.UserID, core.ProviderGitLab)
	require.NoError(t, err)
	assert.Equal(t, "gl_access", got.AccessToken)
	assert.Equal(t, "gl_refresh", got.RefreshToken)
	assert.Equal(t, grant.Scopes, got.Scopes)
	require.NotNil(t, got.Expiry)
	assert.True(t, expiry.Equal(*got.Expiry))
	assert.True(t, created.Equal(got.CreatedAt))

	grant.RefreshToken = ""
	grant.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.PutGrant(ctx, grant))
	got, err = store.GetGrant(ctx, grant.UserID, core.ProviderGitLab)
	require.NoError(t, err)
	assert.Empty(t, got.RefreshToken)

	require.NoError(t, store.DeleteGrant(ctx, grant.UserID, core.ProviderGitLab))
	_, err = store.GetGrant(ctx, grant.UserID, core.ProviderGitLab)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
