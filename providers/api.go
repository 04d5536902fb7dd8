package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scmauthd/core"
)

const maxResponseBytes = 1 << 20

// apiClient is the bit of HTTP plumbing the provider probes share.
type apiClient struct {
	provider   core.Provider
	baseURL    string
	authScheme string
	httpClient *http.Client
	now        func() time.Time
}

func newAPIClient(provider core.Provider, baseURL, authScheme string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &apiClient{
		provider:   provider,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authScheme: authScheme,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// get performs an authenticated GET and decodes a 200 body into dest.
// Status codes are translated into the core error taxonomy.
func (c *apiClient) get(ctx context.Context, path, accessToken string, dest interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", c.authScheme+" "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrTransient, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", core.ErrTransient, path, err)
	}

	if err := c.classify(resp, body); err != nil {
		return resp.Header, err
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return resp.Header, fmt.Errorf("%w: decode %s: %v", core.ErrTransient, path, err)
		}
	}
	return resp.Header, nil
}

func (c *apiClient) classify(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d: %s", core.ErrUnauthorized, resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusTooManyRequests || isRateLimited(resp):
		return &core.RateLimitError{Provider: c.provider, RetryAfter: retryAfter(resp.Header, c.now())}
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", core.ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", core.ErrUnauthorized, resp.StatusCode, string(body))
	default:
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, c.provider, string(body))
	}
}

// isRateLimited recognises the 403 that GitHub and GitLab send once the quota is spent.
func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("RateLimit-Remaining") == "0"
}

func retryAfter(header http.Header, now time.Time) time.Duration {
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(value); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	for _, key := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		if value := header.Get(key); value != "" {
			if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
				if at := time.Unix(unix, 0); at.After(now) {
					return at.Sub(now)
				}
			}
		}
	}
	return 0
}

// splitScopes accepts the comma separated form GitHub uses and the space
// separated form of RFC 6749.
func splitScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
