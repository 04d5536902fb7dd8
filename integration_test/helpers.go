package integration_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

type UserDataResponse struct {
	RemoteUserID string   `json:"remote_user_id"`
	Login        string   `json:"login"`
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	Scopes       []string `json:"scopes"`
}

type ErrorResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	AuthenticateURL string `json:"authenticate_url"`
}

type StatusResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

var httpClient = &http.Client{
	Timeout: 5 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func authorizedRequest(method, target, accessToken string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req, err := http.NewRequest(method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return httpClient.Do(req)
}

func getUserData(baseURL, accessToken, provider string) (*http.Response, error) {
	return authorizedRequest(http.MethodGet, baseURL+"/userdata?provider="+provider, accessToken, nil)
}

func forceRefresh(baseURL, accessToken, provider string) (*http.Response, error) {
	return authorizedRequest(http.MethodPost, baseURL+"/tokens/refresh", accessToken, map[string]string{"provider": provider})
}

func disconnect(baseURL, accessToken, provider string) (*http.Response, error) {
	return authorizedRequest(http.MethodPost, baseURL+"/disconnect", accessToken, map[string]string{"provider": provider})
}

func disconnectAll(baseURL, accessToken string) (*http.Response, error) {
	return authorizedRequest(http.MethodPost, baseURL+"/disconnect-all", accessToken, nil)
}

// startConsent calls authenticate and returns the signed state together
// with the cookies the browser would keep.
func startConsent(baseURL, accessToken, provider string) (string, []*http.Cookie, error) {
	resp, err := authorizedRequest(http.MethodGet, baseURL+"/oauth/authenticate?oauth_provider="+provider, accessToken, nil)
	if err != nil {
		return "", nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", nil, fmt.Errorf("authenticate returned %d", resp.StatusCode)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", nil, err
	}
	return location.Query().Get("state"), resp.Cookies(), nil
}

func callback(baseURL, code, state string, cookies []*http.Cookie) (*http.Response, error) {
	target := baseURL + "/oauth/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	return httpClient.Do(req)
}

// connect runs the consent flow end to end: authenticate, then the callback
// the provider would send the same browser to.
func connect(baseURL, accessToken, provider, code string) (*http.Response, error) {
	state, cookies, err := startConsent(baseURL, accessToken, provider)
	if err != nil {
		return nil, err
	}
	return callback(baseURL, code, state, cookies)
}

func countRows(dbPath, table string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
	return count, err
}

func cleanDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("DELETE FROM personal_access_tokens"); err != nil {
		return err
	}
	_, err = db.Exec("DELETE FROM oauth_grants")
	return err
}

func dropStoredTokens(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec("DELETE FROM personal_access_tokens")
	return err
}

func decode[T any](resp *http.Response) (*T, error) {
	defer resp.Body.Close()
	var result T
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func waitForServer(baseURL string, maxAttempts int) error {
	client := &http.Client{Timeout: 1 * time.Second}
	for i := 0; i < maxAttempts; i++ {
		resp, err := client.Get(baseURL + "/health")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server failed to start after %d attempts", maxAttempts)
}
