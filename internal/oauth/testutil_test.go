package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// mockAuthServer provides a mock OAuth 2.1 authorization server for testing.
type mockAuthServer struct {
	*httptest.Server
	t *testing.T

	// Configuration
	codeChallengeMethods []string
	withRevocation       bool
	failRefresh          bool
	failRegistration     bool

	// State tracking
	mu                   sync.Mutex
	issuedCodes          map[string]string // code -> code_challenge
	validRefreshTokens   map[string]bool
	tokenRequestCount    int
	refreshRequestCount  int
	revokeRequestCount   int
	metadataRequestCount int
	registrationRequests []map[string]any
	tokenRequests        []map[string]string
}

func newMockAuthServer(t *testing.T) *mockAuthServer {
	t.Helper()

	mas := &mockAuthServer{
		t:                    t,
		codeChallengeMethods: []string{"S256", "plain"},
		withRevocation:       true,
		issuedCodes:          make(map[string]string),
		validRefreshTokens:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", mas.handleMetadata)
	mux.HandleFunc("/authorize", mas.handleAuthorize)
	mux.HandleFunc("/token", mas.handleToken)
	mux.HandleFunc("/register", mas.handleRegister)
	mux.HandleFunc("/revoke", mas.handleRevoke)

	mas.Server = httptest.NewServer(mux)
	t.Cleanup(mas.Close)
	return mas
}

func (mas *mockAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.metadataRequestCount++
	mas.mu.Unlock()

	md := Metadata{
		Issuer:                        mas.URL,
		AuthorizationEndpoint:         mas.URL + "/authorize",
		TokenEndpoint:                 mas.URL + "/token",
		RegistrationEndpoint:          mas.URL + "/register",
		ScopesSupported:               []string{"lca:read", "lca:write"},
		ResponseTypesSupported:        []string{"code"},
		CodeChallengeMethodsSupported: mas.codeChallengeMethods,
	}
	if mas.withRevocation {
		md.RevocationEndpoint = mas.URL + "/revoke"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(md)
}

// handleAuthorize issues a code bound to the presented code challenge. Tests
// drive the redirect themselves, so this only records state.
func (mas *mockAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("response_type") != "code" || query.Get("code_challenge") == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	code := fmt.Sprintf("AUTH_CODE_%d", len(mas.issuedCodes)+1)
	mas.issuedCodes[code] = query.Get("code_challenge")
	mas.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, code)
}

func (mas *mockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	form := make(map[string]string)
	for key := range r.Form {
		form[key] = r.Form.Get(key)
	}

	mas.mu.Lock()
	mas.tokenRequestCount++
	mas.tokenRequests = append(mas.tokenRequests, form)
	count := mas.tokenRequestCount
	mas.mu.Unlock()

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		code := r.Form.Get("code")
		verifier := r.Form.Get("code_verifier")

		mas.mu.Lock()
		challenge, ok := mas.issuedCodes[code]
		delete(mas.issuedCodes, code)
		mas.mu.Unlock()

		if code == "" || verifier == "" {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		// Codes issued through /authorize are PKCE-checked; codes made up
		// by tests pass through.
		if ok && CodeChallengeS256(verifier) != challenge {
			http.Error(w, "invalid_grant", http.StatusBadRequest)
			return
		}

		mas.issueTokens(w, count)

	case "refresh_token":
		mas.mu.Lock()
		mas.refreshRequestCount++
		fail := mas.failRefresh
		refresh := r.Form.Get("refresh_token")
		known := len(mas.validRefreshTokens) == 0 || mas.validRefreshTokens[refresh]
		mas.mu.Unlock()

		if fail || refresh == "" || !known {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		mas.issueTokens(w, count)

	default:
		http.Error(w, "unsupported_grant_type", http.StatusBadRequest)
	}
}

// issueTokens writes a fresh token pair. Refresh tokens rotate: each
// response carries a new one and only the newest is accepted afterwards.
func (mas *mockAuthServer) issueTokens(w http.ResponseWriter, serial int) {
	refresh := fmt.Sprintf("REFRESH_TOKEN_%d", serial)

	mas.mu.Lock()
	mas.validRefreshTokens = map[string]bool{refresh: true}
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fmt.Sprintf("ACCESS_TOKEN_%d", serial),
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "lca:read lca:write",
	})
}

func (mas *mockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if mas.failRegistration {
		http.Error(w, `{"error":"invalid_client_metadata"}`, http.StatusBadRequest)
		return
	}

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	mas.registrationRequests = append(mas.registrationRequests, req)
	serial := len(mas.registrationRequests)
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"client_id":                  fmt.Sprintf("registered_client_%d", serial),
		"redirect_uris":              req["redirect_uris"],
		"grant_types":                req["grant_types"],
		"response_types":             req["response_types"],
		"token_endpoint_auth_method": req["token_endpoint_auth_method"],
	})
}

func (mas *mockAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.revokeRequestCount++
	mas.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (mas *mockAuthServer) tokenRequestsTotal() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.tokenRequestCount
}

func (mas *mockAuthServer) refreshRequestsTotal() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.refreshRequestCount
}

func (mas *mockAuthServer) revokeRequestsTotal() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.revokeRequestCount
}

func (mas *mockAuthServer) metadataRequestsTotal() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.metadataRequestCount
}

func (mas *mockAuthServer) lastTokenRequest() map[string]string {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	if len(mas.tokenRequests) == 0 {
		return nil
	}
	return mas.tokenRequests[len(mas.tokenRequests)-1]
}

func (mas *mockAuthServer) registrationRequestsTotal() []map[string]any {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]map[string]any{}, mas.registrationRequests...)
}
