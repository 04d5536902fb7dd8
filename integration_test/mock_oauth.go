package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

type mockUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

var mockUsers = map[string]mockUser{
	"valid_code_1": {
		ID:       1001,
		Username: "user1",
		Name:     "Test User 1",
		Email:    "user1@example.com",
	},
	"another_user_code_1": {
		ID:       1002,
		Username: "user2",
		Name:     "Test User 2",
		Email:    "user2@example.com",
	},
}

// MockOAuthServer plays a GitLab instance: OAuth token endpoint plus the
// API routes the probe calls.
type MockOAuthServer struct {
	server *httptest.Server

	mu            sync.Mutex
	accessTokens  map[string]mockUser
	refreshTokens map[string]mockUser
	issued        int

	RefreshCalls atomic.Int32
}

func NewMockOAuthServer() *MockOAuthServer {
	m := &MockOAuthServer{
		accessTokens:  make(map[string]mockUser),
		refreshTokens: make(map[string]mockUser),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", m.handleToken)
	mux.HandleFunc("/oauth/token/info", m.handleTokenInfo)
	mux.HandleFunc("/api/v4/user", m.handleUser)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockOAuthServer) URL() string {
	return m.server.URL
}

func (m *MockOAuthServer) Close() {
	m.server.Close()
}

// RevokeAll invalidates every refresh token, as a user removing the app would.
func (m *MockOAuthServer) RevokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens = make(map[string]mockUser)
}

// ExpireAccessTokens makes the API reject every access token issued so far.
func (m *MockOAuthServer) ExpireAccessTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessTokens = make(map[string]mockUser)
}

func (m *MockOAuthServer) issue(w http.ResponseWriter, user mockUser) {
	m.mu.Lock()
	m.issued++
	access := fmt.Sprintf("access_%d", m.issued)
	refresh := fmt.Sprintf("refresh_%d", m.issued)
	m.accessTokens[access] = user
	m.refreshTokens[refresh] = user
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    3600,
		"token_type":    "Bearer",
		"scope":         "api write_repository openid",
	})
}

func (m *MockOAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		if user, ok := mockUsers[r.Form.Get("code")]; ok {
			m.issue(w, user)
			return
		}
	case "refresh_token":
		m.RefreshCalls.Add(1)
		refresh := r.Form.Get("refresh_token")
		m.mu.Lock()
		user, ok := m.refreshTokens[refresh]
		delete(m.refreshTokens, refresh)
		m.mu.Unlock()
		if ok {
			m.issue(w, user)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
}

func (m *MockOAuthServer) lookup(r *http.Request) (mockUser, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return mockUser{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.accessTokens[token]
	return user, ok
}

func (m *MockOAuthServer) handleUser(w http.ResponseWriter, r *http.Request) {
	user, ok := m.lookup(r)
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "401 Unauthorized"})
		return
	}
	json.NewEncoder(w).Encode(user)
}

func (m *MockOAuthServer) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.lookup(r); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"scope": []string{"api", "write_repository", "openid"},
	})
}
