package core_test

import (
	"context"
	"testing"

	"scmauthd/core"
	"scmauthd/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(f *resolverFixture, apiEndpoint string) *core.UserDataFetcher {
	return core.NewUserDataFetcher(apiEndpoint, f.resolver,
		map[core.Provider]core.ProviderAPIProbe{providers.ProviderMock: f.probe},
		map[core.Provider]core.ConsentFlow{providers.ProviderMock: f.exchanger},
	)
}

func TestFetchUserData_Success(t *testing.T) {
	f := newResolverFixture(fastRetries())
	fetcher := newTestFetcher(f, "https://auth.example.com")

	identity, err := fetcher.FetchUserData(context.Background(), testUser, providers.ProviderMock)
	require.NoError(t, err)

	assert.Equal(t, providers.MockIdentity(testUser), identity)
	assert.Equal(t, int32(1), f.exchanger.ExchangeCalls.Load())
	assert.Equal(t, int32(1), f.probe.GetUserDataCalls.Load())
}

func TestFetchUserData_ProbeErrorIsReturnedUnchanged(t *testing.T) {
	f := newResolverFixture(fastRetries())
	fetcher := newTestFetcher(f, "https://auth.example.com")
	f.probe.FailUserData(core.ErrUnauthorized)

	_, err := fetcher.FetchUserData(context.Background(), testUser, providers.ProviderMock)
	assert.Equal(t, core.ErrUnauthorized, err)
}

func TestFetchUserData_ConsentRequired(t *testing.T) {
	f := newResolverFixture(fastRetries())
	fetcher := newTestFetcher(f, "https://auth.example.com")
	f.exchanger.QueueError(core.ErrConsentRequired)

	_, err := fetcher.FetchUserData(context.Background(), testUser, providers.ProviderMock)
	assert.ErrorIs(t, err, core.ErrConsentRequired)
	assert.Equal(t, int32(0), f.probe.GetUserDataCalls.Load())
}

func TestFetchUserData_UnsupportedProvider(t *testing.T) {
	f := newResolverFixture(fastRetries())
	fetcher := newTestFetcher(f, "https://auth.example.com")

	_, err := fetcher.FetchUserData(context.Background(), testUser, core.ProviderGitHub)
	assert.ErrorIs(t, err, core.ErrUnsupportedProvider)
	assert.Equal(t, int32(0), f.exchanger.ExchangeCalls.Load())
}

func TestAuthenticateURL(t *testing.T) {
	f := newResolverFixture(fastRetries())
	fetcher := newTestFetcher(f, "https://auth.example.com/")

	assert.Equal(t,
		"https://auth.example.com/oauth/authenticate?oauth_provider=mock&scope=repo",
		fetcher.AuthenticateURL(providers.ProviderMock),
	)
	assert.Equal(t,
		"https://auth.example.com/oauth/authenticate?oauth_provider=github",
		fetcher.AuthenticateURL(core.ProviderGitHub),
	)
}
