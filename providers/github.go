package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"scmauthd/core"
)

const (
	GitHubAPIURL    = "https://api.github.com"
	GitHubServerURL = "https://github.com"
)

// DefaultGitHubScopes are requested during consent and required of stored tokens.
var DefaultGitHubScopes = []string{"repo", "user:email", "read:user"}

type GitHubConfig struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURI   string   `yaml:"redirect_uri"`
	APIURL        string   `yaml:"api_url"`
	OAuthEndpoint string   `yaml:"oauth_endpoint"` // GitHub Enterprise server, empty for github.com
	Scopes        []string `yaml:"scopes"`
}

func (c *GitHubConfig) serverURL() string {
	if c.OAuthEndpoint != "" {
		return strings.TrimSuffix(c.OAuthEndpoint, "/")
	}
	return GitHubServerURL
}

func (c *GitHubConfig) apiURL() string {
	switch {
	case c.APIURL != "":
		return c.APIURL
	case c.OAuthEndpoint != "":
		return c.serverURL() + "/api/v3"
	default:
		return GitHubAPIURL
	}
}

func (c *GitHubConfig) scopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return DefaultGitHubScopes
}

func (c *GitHubConfig) OAuth2Config() *oauth2.Config {
	server := c.serverURL()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   server + "/login/oauth/authorize",
			TokenURL:  server + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

type GitHubProbe struct {
	api            *apiClient
	requiredScopes []string
}

func NewGitHubProbe(config *GitHubConfig, httpClient *http.Client) *GitHubProbe {
	return &GitHubProbe{
		api:            newAPIClient(core.ProviderGitHub, config.apiURL(), "token", httpClient),
		requiredScopes: config.scopes(),
	}
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Validate accepts the token when GET /user succeeds and the granted scopes
// cover the required ones. Fine-grained tokens carry no scope header and are
// accepted on the status alone.
func (g *GitHubProbe) Validate(ctx context.Context, token *core.Token) (bool, error) {
	header, err := g.api.get(ctx, "/user", token.Value, nil)
	if err != nil {
		if retryable(err) {
			return false, err
		}
		return false, nil
	}

	if header.Get("X-OAuth-Scopes") == "" {
		return true, nil
	}
	granted := &core.Token{Scopes: splitScopes(header.Get("X-OAuth-Scopes"))}
	return granted.HasScopes(g.requiredScopes...), nil
}

func (g *GitHubProbe) GetUserData(ctx context.Context, token *core.Token) (*core.ProviderIdentity, error) {
	var user map[string]any
	header, err := g.api.get(ctx, "/user", token.Value, &user)
	if err != nil {
		return nil, err
	}

	identity := &core.ProviderIdentity{
		RemoteUserID: stringValue(user["id"]),
		Login:        stringValue(user["login"]),
		Name:         stringValue(user["name"]),
		Email:        stringValue(user["email"]),
		Scopes:       splitScopes(header.Get("X-OAuth-Scopes")),
		Raw:          user,
	}
	if identity.Scopes == nil {
		identity.Scopes = token.Scopes
	}

	// Users may hide their email from the public profile.
	if identity.Email == "" {
		email, err := g.primaryEmail(ctx, token)
		if err != nil {
			return nil, err
		}
		identity.Email = email
	}

	return identity, nil
}

func (g *GitHubProbe) primaryEmail(ctx context.Context, token *core.Token) (string, error) {
	var emails []githubEmail
	if _, err := g.api.get(ctx, "/user/emails", token.Value, &emails); err != nil {
		if retryable(err) {
			return "", err
		}
		// Missing user:email scope
		return "", nil
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

func (g *GitHubProbe) Provider() core.Provider {
	return core.ProviderGitHub
}

func retryable(err error) bool {
	return errors.Is(err, core.ErrTransient) || errors.Is(err, core.ErrRateLimited)
}
