package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// stateCookie carries the nonce whose hash is signed into the OAuth state.
const stateCookie = "scmauthd_oauth_nonce"

type Server struct {
	fetcher  *UserDataFetcher
	resolver *TokenResolver
	consent  map[Provider]ConsentFlow
	config   *Config
	logger   *zap.Logger
}

func NewServer(fetcher *UserDataFetcher, resolver *TokenResolver, consent map[Provider]ConsentFlow, config *Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		fetcher:  fetcher,
		resolver: resolver,
		consent:  consent,
		config:   config,
		logger:   logger,
	}
}

// Routes returns the service mux wrapped with throttling, access logging and tracing.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/userdata", s.HandleUserData)
	mux.HandleFunc("/tokens/refresh", s.HandleRefresh)
	mux.HandleFunc("/disconnect", s.HandleDisconnect)
	mux.HandleFunc("/disconnect-all", s.HandleDisconnectAll)
	mux.HandleFunc("/oauth/authenticate", s.HandleAuthenticate)
	mux.HandleFunc("/oauth/callback", s.HandleCallback)
	mux.HandleFunc("/health", s.HandleHealth)

	var handler http.Handler = mux
	handler = NewRateLimiter(s.config.RateLimitRPM).Wrap(handler)
	handler = AccessLog(s.logger, handler)
	return otelhttp.NewHandler(handler, "scmauthd")
}

type tokenResponse struct {
	Provider        Provider   `json:"provider"`
	Scopes          []string   `json:"scopes"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

func (s *Server) HandleUserData(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	userID, err := s.extractUserIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	provider := Provider(r.URL.Query().Get("provider"))
	if provider == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}

	identity, err := s.fetcher.FetchUserData(r.Context(), userID, provider)
	if err != nil {
		s.respondFetchError(w, provider, err)
		return
	}

	respondJSON(w, http.StatusOK, identity)
}

func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	userID, err := s.extractUserIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	var req struct {
		Provider string `json:"provider"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}

	provider := Provider(req.Provider)
	token, err := s.resolver.ForceRefresh(r.Context(), userID, provider)
	if err != nil {
		s.respondFetchError(w, provider, err)
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{
		Provider:        token.Provider,
		Scopes:          token.Scopes,
		IssuedAt:        token.IssuedAt,
		ExpiresAt:       token.ExpiresAt,
		LastValidatedAt: token.LastValidatedAt,
	})
}

func (s *Server) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	userID, err := s.extractUserIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	var req struct {
		Provider string `json:"provider"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.resolver.Disconnect(r.Context(), userID, Provider(req.Provider)); err != nil {
		if errors.Is(err, ErrUnsupportedProvider) {
			respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
			return
		}
		s.logger.Error("disconnect failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to disconnect")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "disconnected",
	})
}

func (s *Server) HandleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	userID, err := s.extractUserIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	if err := s.resolver.DisconnectAll(r.Context(), userID); err != nil {
		s.logger.Error("disconnect all failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to disconnect integrations")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "disconnected_all",
	})
}

// HandleAuthenticate starts the consent flow by redirecting to the provider.
func (s *Server) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	userID, err := s.extractUserIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	query := r.URL.Query()
	provider := Provider(query.Get("oauth_provider"))
	flow, ok := s.consent[provider]
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
		return
	}

	redirect := query.Get("redirect_after_login")
	if redirect != "" && !s.safeRedirect(redirect) {
		respondError(w, http.StatusBadRequest, "invalid_request", "redirect_after_login is not allowed")
		return
	}

	nonce := uuid.NewString()
	state, err := GenerateStateToken(userID, provider, redirect, nonce, s.config)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to start authentication")
		return
	}

	s.setStateCookie(w, nonce, int(s.config.JWT.stateDuration().Seconds()))

	http.Redirect(w, r, flow.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the consent flow and drops the stale stored token.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	if denied := query.Get("error"); denied != "" {
		respondError(w, http.StatusBadRequest, "consent_denied", denied)
		return
	}

	claims, err := ParseStateToken(query.Get("state"), s.config)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_state", "Invalid or expired state")
		return
	}

	// The state must come back to the browser that started the flow.
	cookie, err := r.Cookie(stateCookie)
	if err != nil || !claims.MatchesNonce(cookie.Value) {
		respondError(w, http.StatusBadRequest, "invalid_state", "State was not issued to this browser")
		return
	}

	code := query.Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	flow, ok := s.consent[claims.Provider]
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
		return
	}

	ctx := r.Context()
	if err := flow.CompleteConsent(ctx, claims.Subject, code); err != nil {
		s.logger.Warn("consent exchange failed",
			zap.String("user_id", claims.Subject),
			zap.String("provider", string(claims.Provider)),
			zap.Error(err),
		)
		respondError(w, http.StatusBadGateway, "consent_failed", "Failed to complete authentication")
		return
	}

	if err := s.resolver.Invalidate(ctx, claims.Subject, claims.Provider); err != nil {
		s.logger.Error("failed to drop stale token", zap.String("user_id", claims.Subject), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to complete authentication")
		return
	}

	s.setStateCookie(w, "", -1)

	if claims.Redirect != "" {
		http.Redirect(w, r, claims.Redirect, http.StatusFound)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "connected",
		"provider": string(claims.Provider),
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Helper functions

// respondFetchError maps resolution failures onto the two answers a client
// can act on: re-authenticate, or try again later.
func (s *Server) respondFetchError(w http.ResponseWriter, provider Provider, err error) {
	switch {
	case errors.Is(err, ErrUnsupportedProvider):
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
	case errors.Is(err, ErrConsentRequired):
		respondJSON(w, http.StatusUnauthorized, map[string]string{
			"error":            "consent_required",
			"message":          "Re-authentication with the provider is required",
			"authenticate_url": s.fetcher.AuthenticateURL(provider),
		})
	default:
		s.logger.Warn("could not fetch user data", zap.String("provider", string(provider)), zap.Error(err))
		respondError(w, http.StatusBadGateway, "fetch_failed", "Could not fetch user data")
	}
}

func (s *Server) setStateCookie(w http.ResponseWriter, nonce string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    nonce,
		Path:     "/oauth/callback",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.config.APIEndpoint, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) safeRedirect(target string) bool {
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return true
	}
	return s.config.APIEndpoint != "" && strings.HasPrefix(target, strings.TrimSuffix(s.config.APIEndpoint, "/")+"/")
}

func (s *Server) extractUserIDFromJWT(r *http.Request) (string, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return "", err
	}

	userID, err := ValidateAccessToken(token, s.config)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	return userID, nil
}

func validateMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
