package providers

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"scmauthd/core"
)

const GitLabServerURL = "https://gitlab.com"

var DefaultGitLabScopes = []string{"api", "write_repository", "openid"}

type GitLabConfig struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURI   string   `yaml:"redirect_uri"`
	APIURL        string   `yaml:"api_url"`
	OAuthEndpoint string   `yaml:"oauth_endpoint"` // Self-managed instance, empty for gitlab.com
	Scopes        []string `yaml:"scopes"`
}

func (c *GitLabConfig) serverURL() string {
	if c.OAuthEndpoint != "" {
		return strings.TrimSuffix(c.OAuthEndpoint, "/")
	}
	return GitLabServerURL
}

func (c *GitLabConfig) apiURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return c.serverURL() + "/api/v4"
}

func (c *GitLabConfig) scopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return DefaultGitLabScopes
}

func (c *GitLabConfig) OAuth2Config() *oauth2.Config {
	server := c.serverURL()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   server + "/oauth/authorize",
			TokenURL:  server + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

type GitLabProbe struct {
	api   *apiClient
	oauth *apiClient
}

func NewGitLabProbe(config *GitLabConfig, httpClient *http.Client) *GitLabProbe {
	return &GitLabProbe{
		api:   newAPIClient(core.ProviderGitLab, config.apiURL(), "Bearer", httpClient),
		oauth: newAPIClient(core.ProviderGitLab, config.serverURL(), "Bearer", httpClient),
	}
}

type gitlabTokenInfo struct {
	Scope []string `json:"scope"`
}

func (g *GitLabProbe) Validate(ctx context.Context, token *core.Token) (bool, error) {
	if _, err := g.api.get(ctx, "/user", token.Value, nil); err != nil {
		if retryable(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (g *GitLabProbe) GetUserData(ctx context.Context, token *core.Token) (*core.ProviderIdentity, error) {
	var user map[string]any
	if _, err := g.api.get(ctx, "/user", token.Value, &user); err != nil {
		return nil, err
	}

	email := stringValue(user["email"])
	if email == "" {
		email = stringValue(user["public_email"])
	}

	identity := &core.ProviderIdentity{
		RemoteUserID: stringValue(user["id"]),
		Login:        stringValue(user["username"]),
		Name:         stringValue(user["name"]),
		Email:        email,
		Scopes:       token.Scopes,
		Raw:          user,
	}

	// Personal access tokens have no OAuth token info, so a rejection there is not fatal.
	var info gitlabTokenInfo
	if _, err := g.oauth.get(ctx, "/oauth/token/info", token.Value, &info); err != nil {
		if retryable(err) {
			return nil, err
		}
	} else if len(info.Scope) > 0 {
		identity.Scopes = info.Scope
	}

	return identity, nil
}

func (g *GitLabProbe) Provider() core.Provider {
	return core.ProviderGitLab
}
