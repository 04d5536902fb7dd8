package providers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"scmauthd/core"
	"scmauthd/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type githubAPI struct {
	scopes    string
	status    int
	header    http.Header
	hideEmail bool
}

func (a *githubAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token ghp_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		for key, values := range a.header {
			w.Header()[key] = values
		}
		if a.status != 0 && a.status != http.StatusOK {
			w.WriteHeader(a.status)
			w.Write([]byte(`{"message":"nope"}`))
			return
		}
		if a.scopes != "" {
			w.Header().Set("X-OAuth-Scopes", a.scopes)
		}
		user := map[string]interface{}{
			"id":    12345,
			"login": "octocat",
			"name":  "The Octocat",
		}
		if !a.hideEmail {
			user["email"] = "octocat@github.com"
		}
		json.NewEncoder(w).Encode(user)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": "private@example.com", "primary": true, "verified": true},
		})
	})
	return mux
}

func newGitHubProbe(t *testing.T, api *githubAPI) *providers.GitHubProbe {
	t.Helper()
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)
	return providers.NewGitHubProbe(&providers.GitHubConfig{APIURL: server.URL}, server.Client())
}

func githubToken() *core.Token {
	return &core.Token{Value: "ghp_test", Scopes: []string{"repo"}}
}

func TestGitHubProbe_ValidateWithRequiredScopes(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{scopes: "repo, user:email, read:user"})

	valid, err := probe.Validate(context.Background(), githubToken())
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestGitHubProbe_ValidateMissingScope(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{scopes: "repo"})

	valid, err := probe.Validate(context.Background(), githubToken())
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestGitHubProbe_ValidateFineGrainedToken(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{})

	valid, err := probe.Validate(context.Background(), githubToken())
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestGitHubProbe_ValidateUnauthorized(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{status: http.StatusUnauthorized})

	valid, err := probe.Validate(context.Background(), githubToken())
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestGitHubProbe_ValidateRateLimited(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).Unix()
	probe := newGitHubProbe(t, &githubAPI{
		status: http.StatusForbidden,
		header: http.Header{
			"X-Ratelimit-Remaining": {"0"},
			"X-Ratelimit-Reset":     {strconv.FormatInt(reset, 10)},
		},
	})

	_, err := probe.Validate(context.Background(), githubToken())
	assert.ErrorIs(t, err, core.ErrRateLimited)
	hint, ok := core.RetryAfter(err)
	assert.True(t, ok)
	assert.True(t, hint > 80*time.Second && hint <= 90*time.Second, "hint %s", hint)
}

func TestGitHubProbe_ValidateServerError(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{status: http.StatusBadGateway})

	_, err := probe.Validate(context.Background(), githubToken())
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestGitHubProbe_ValidateUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	probe := providers.NewGitHubProbe(&providers.GitHubConfig{APIURL: server.URL}, nil)

	_, err := probe.Validate(context.Background(), githubToken())
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestGitHubProbe_GetUserData(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{scopes: "repo, read:user"})

	identity, err := probe.GetUserData(context.Background(), githubToken())
	require.NoError(t, err)

	assert.Equal(t, "12345", identity.RemoteUserID)
	assert.Equal(t, "octocat", identity.Login)
	assert.Equal(t, "The Octocat", identity.Name)
	assert.Equal(t, "octocat@github.com", identity.Email)
	assert.Equal(t, []string{"repo", "read:user"}, identity.Scopes)
}

func TestGitHubProbe_GetUserDataHiddenEmail(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{hideEmail: true})

	identity, err := probe.GetUserData(context.Background(), githubToken())
	require.NoError(t, err)
	assert.Equal(t, "private@example.com", identity.Email)
	assert.Equal(t, []string{"repo"}, identity.Scopes)
}

func TestGitHubProbe_GetUserDataUnauthorized(t *testing.T) {
	probe := newGitHubProbe(t, &githubAPI{status: http.StatusUnauthorized})

	_, err := probe.GetUserData(context.Background(), githubToken())
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestGitHubProbe_EnterpriseAPIPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":1,"login":"ghe","email":"ghe@corp.example"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	probe := providers.NewGitHubProbe(&providers.GitHubConfig{OAuthEndpoint: server.URL}, server.Client())
	identity, err := probe.GetUserData(context.Background(), githubToken())
	require.NoError(t, err)
	assert.Equal(t, "ghe", identity.Login)
}

func TestGitHubConfig_OAuth2Config(t *testing.T) {
	config := (&providers.GitHubConfig{ClientID: "id", ClientSecret: "secret"}).OAuth2Config()
	assert.Equal(t, "https://github.com/login/oauth/authorize", config.Endpoint.AuthURL)
	assert.Equal(t, "https://github.com/login/oauth/access_token", config.Endpoint.TokenURL)
	assert.Equal(t, providers.DefaultGitHubScopes, config.Scopes)

	enterprise := (&providers.GitHubConfig{OAuthEndpoint: "https://ghe.corp.example/"}).OAuth2Config()
	assert.Equal(t, "https://ghe.corp.example/login/oauth/authorize", enterprise.Endpoint.AuthURL)
}
