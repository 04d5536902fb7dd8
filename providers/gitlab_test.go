package providers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"scmauthd/core"
	"scmauthd/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGitLabServer(t *testing.T, tokenInfoStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer glpat_test" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"401 Unauthorized"}`))
			return
		}
		w.Write([]byte(`{"id":42,"username":"tanuki","name":"Tanuki","email":"","public_email":"tanuki@gitlab.example"}`))
	})
	mux.HandleFunc("/oauth/token/info", func(w http.ResponseWriter, r *http.Request) {
		if tokenInfoStatus != http.StatusOK {
			w.WriteHeader(tokenInfoStatus)
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"resource_owner_id":42,"scope":["api","read_user"]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func gitlabToken(value string) *core.Token {
	return &core.Token{Value: value, Scopes: []string{"api"}}
}

func TestGitLabProbe_Validate(t *testing.T) {
	server := newGitLabServer(t, http.StatusOK)
	probe := providers.NewGitLabProbe(&providers.GitLabConfig{OAuthEndpoint: server.URL}, server.Client())

	valid, err := probe.Validate(context.Background(), gitlabToken("glpat_test"))
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = probe.Validate(context.Background(), gitlabToken("glpat_wrong"))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestGitLabProbe_GetUserData(t *testing.T) {
	server := newGitLabServer(t, http.StatusOK)
	probe := providers.NewGitLabProbe(&providers.GitLabConfig{OAuthEndpoint: server.URL}, server.Client())

	identity, err := probe.GetUserData(context.Background(), gitlabToken("glpat_test"))
	require.NoError(t, err)

	assert.Equal(t, "42", identity.RemoteUserID)
	assert.Equal(t, "tanuki", identity.Login)
	assert.Equal(t, "tanuki@gitlab.example", identity.Email)
	assert.Equal(t, []string{"api", "read_user"}, identity.Scopes)
}

func TestGitLabProbe_GetUserDataWithoutTokenInfo(t *testing.T) {
	server := newGitLabServer(t, http.StatusUnauthorized)
	probe := providers.NewGitLabProbe(&providers.GitLabConfig{OAuthEndpoint: server.URL}, server.Client())

	identity, err := probe.GetUserData(context.Background(), gitlabToken("glpat_test"))
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, identity.Scopes)
}

func TestGitLabProbe_GetUserDataTokenInfoUnavailable(t *testing.T) {
	server := newGitLabServer(t, http.StatusServiceUnavailable)
	probe := providers.NewGitLabProbe(&providers.GitLabConfig{OAuthEndpoint: server.URL}, server.Client())

	_, err := probe.GetUserData(context.Background(), gitlabToken("glpat_test"))
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestGitLabConfig_Endpoints(t *testing.T) {
	config := (&providers.GitLabConfig{}).OAuth2Config()
	assert.Equal(t, "https://gitlab.com/oauth/authorize", config.Endpoint.AuthURL)
	assert.Equal(t, "https://gitlab.com/oauth/token", config.Endpoint.TokenURL)
	assert.Equal(t, providers.DefaultGitLabScopes, config.Scopes)

	selfManaged := (&providers.GitLabConfig{OAuthEndpoint: "https://git.corp.example"}).OAuth2Config()
	assert.Equal(t, "https://git.corp.example/oauth/token", selfManaged.Endpoint.TokenURL)
}
