package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/toolbridge/pkg/logging"
)

const (
	// DefaultScope is requested when the caller does not override it.
	DefaultScope = "lca:read lca:write"

	// DefaultExpiryBuffer makes tokens count as expired this long before
	// their actual expiry, so refresh happens before a mid-request failure
	// rather than exactly at the boundary.
	DefaultExpiryBuffer = 300 * time.Second

	// stateNonceBytes is the size of the CSRF state nonce before hex encoding.
	stateNonceBytes = 16

	// tokenRequestTimeout bounds token endpoint and registration requests.
	tokenRequestTimeout = 30 * time.Second
)

// State identifies where a Client is in its lifecycle.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateAuthorizationInitiated
	StateAuthenticated
)

// String makes State satisfy fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateAuthorizationInitiated:
		return "authorization-initiated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Navigator delivers an authorization URL to the user agent. It is the one
// externally observable side effect of the flow beyond state mutation;
// implementations typically open a browser.
type Navigator func(authURL string) error

// ClientConfig configures an OAuth client for one tool server.
type ClientConfig struct {
	// ServerID keys token and flow storage.
	ServerID string

	// ServerURL is the tool server being authorized against. It becomes the
	// RFC 8707 resource indicator so issued tokens are bound to that server.
	ServerURL string

	// RedirectURI receives the authorization callback.
	RedirectURI string

	// Scope overrides DefaultScope when non-empty.
	Scope string

	// ClientName is sent during dynamic registration.
	ClientName string

	// Resolver discovers authorization server metadata.
	Resolver *Resolver

	// TokenStore persists the token set; required.
	TokenStore TokenStore

	// FlowStore holds in-flight authorization state; required.
	FlowStore *FlowStore

	// Navigate delivers the authorization URL to the user agent. When nil,
	// InitiateAuthorization only returns the URL.
	Navigate Navigator

	// HTTPClient overrides the default token/registration HTTP client.
	HTTPClient *http.Client

	// ExpiryBuffer overrides DefaultExpiryBuffer when positive.
	ExpiryBuffer time.Duration
}

// Client drives the OAuth 2.1 authorization-code flow for a single tool
// server. All methods are safe for concurrent use; the internal mutex also
// serializes refreshes so two callers racing on an expired token trigger
// exactly one refresh, and a cancelled caller never observes a half-applied
// token replacement.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	buffer     time.Duration

	mu           sync.Mutex
	state        State
	registration *Registration
	tokens       *Tokens
}

// NewClient creates an OAuth client. TokenStore, FlowStore, and Resolver are
// required; Scope and ExpiryBuffer default when unset.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("oauth: ServerID is required")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("oauth: ServerURL is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("oauth: RedirectURI is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("oauth: Resolver is required")
	}
	if cfg.TokenStore == nil {
		return nil, fmt.Errorf("oauth: TokenStore is required")
	}
	if cfg.FlowStore == nil {
		return nil, fmt.Errorf("oauth: FlowStore is required")
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "toolbridge"
	}

	c := &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		buffer:     cfg.ExpiryBuffer,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: tokenRequestTimeout}
	}
	if c.buffer <= 0 {
		c.buffer = DefaultExpiryBuffer
	}
	return c, nil
}

// Restore seeds the client with previously persisted registration and token
// state, placing it in the matching lifecycle state. Used after process
// restart, when the caller re-creates clients from stored server descriptors.
func (c *Client) Restore(reg *Registration, tokens *Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registration = reg
	c.tokens = tokens.Clone()
	switch {
	case tokens != nil:
		c.state = StateAuthenticated
	case reg != nil:
		c.state = StateRegistered
	default:
		c.state = StateUnregistered
	}
}

// CurrentState returns the client's lifecycle state.
func (c *Client) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registration returns the stored client registration, or nil.
func (c *Client) Registration() *Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registration
}

// Tokens returns a copy of the current token set, or nil.
func (c *Client) Tokens() *Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.Clone()
}

// registrationRequest is the RFC 7591 dynamic registration body.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
}

// Register performs dynamic client registration as a public client
// (token_endpoint_auth_method "none") requesting the authorization_code and
// refresh_token grants. The issued credentials are stored on the client and
// returned for the caller to persist alongside the server configuration.
func (c *Client) Register(ctx context.Context, md *Metadata) (*Registration, error) {
	body, err := json.Marshal(registrationRequest{
		ClientName:              c.cfg.ClientName,
		RedirectURIs:            []string{c.cfg.RedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   c.cfg.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, md.RegistrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("reading registration response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RegistrationError{Status: resp.StatusCode, ServerMessage: strings.TrimSpace(string(respBody))}
	}

	var reg Registration
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	c.mu.Lock()
	c.registration = &reg
	if c.state == StateUnregistered {
		c.state = StateRegistered
	}
	c.mu.Unlock()

	logging.Info("OAuth", "Registered client %s for server %s", reg.ClientID, c.cfg.ServerID)
	return &reg, nil
}

// InitiateAuthorization begins one authorization attempt: it verifies the
// server advertises PKCE, generates the verifier/challenge pair and CSRF
// state, stores them in the flow store, and hands the authorization URL to
// the configured Navigator. Requires prior registration.
func (c *Client) InitiateAuthorization(ctx context.Context, md *Metadata) (string, error) {
	c.mu.Lock()
	reg := c.registration
	c.mu.Unlock()
	if reg == nil {
		return "", fmt.Errorf("oauth: authorization requires prior registration")
	}

	// OAuth 2.1 mandates PKCE; a server advertising neither S256 nor plain
	// cannot be used at all.
	if !md.SupportsPKCE() {
		return "", &UnsupportedPKCEError{Advertised: md.CodeChallengeMethodsSupported}
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", fmt.Errorf("generating PKCE pair: %w", err)
	}
	state, err := RandomString(stateNonceBytes)
	if err != nil {
		return "", fmt.Errorf("generating state nonce: %w", err)
	}

	c.cfg.FlowStore.Put(c.cfg.ServerID, &FlowState{
		State:        state,
		CodeVerifier: verifier,
		ClientID:     reg.ClientID,
	})

	authURL, err := url.Parse(md.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", reg.ClientID)
	query.Set("redirect_uri", c.cfg.RedirectURI)
	query.Set("scope", c.cfg.Scope)
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", pkceMethodS256)
	// RFC 8707: bind the issued token to the tool server.
	query.Set("resource", c.cfg.ServerURL)
	authURL.RawQuery = query.Encode()

	c.mu.Lock()
	c.state = StateAuthorizationInitiated
	c.mu.Unlock()

	if c.cfg.Navigate != nil {
		if err := c.cfg.Navigate(authURL.String()); err != nil {
			return "", fmt.Errorf("delivering authorization URL: %w", err)
		}
	}

	logging.Debug("OAuth", "Initiated authorization for server %s", c.cfg.ServerID)
	return authURL.String(), nil
}

// HandleCallback completes an authorization attempt. The state parameter is
// checked against the stored flow before anything else; a mismatch, like a
// callback with no stored flow at all, is ErrCSRFMismatch and the token
// endpoint is never contacted. The single-flow storage is cleared on every
// path, success or failure. Metadata is re-discovered rather than assumed
// cached across the redirect boundary.
func (c *Client) HandleCallback(ctx context.Context, code, state string) (*Tokens, error) {
	flow, ok := c.cfg.FlowStore.Take(c.cfg.ServerID)
	if !ok {
		// A callback with nothing to validate against cannot be trusted.
		return nil, ErrCSRFMismatch
	}
	if flow.State == "" || flow.State != state {
		return nil, ErrCSRFMismatch
	}
	if flow.CodeVerifier == "" || flow.ClientID == "" {
		return nil, ErrSessionExpired
	}

	md, err := c.cfg.Resolver.Discover(ctx, c.cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", flow.ClientID)
	form.Set("code_verifier", flow.CodeVerifier)

	tokens, err := c.postTokenRequest(ctx, md.TokenEndpoint, form, "authorization_code")
	if err != nil {
		return nil, err
	}
	tokens.ClientID = flow.ClientID

	if err := c.storeTokens(ctx, tokens, StateAuthenticated); err != nil {
		return nil, err
	}

	logging.Info("OAuth", "Authorization complete for server %s (expires_in=%d)", c.cfg.ServerID, tokens.ExpiresIn)
	return tokens.Clone(), nil
}

// RefreshAccessToken exchanges the refresh token for a new token set. The
// stored token object is replaced wholesale: OAuth 2.1 rotates refresh
// tokens, so the old one is invalid the moment the server answers. On
// failure the client drops back to Registered and the caller must
// re-authorize; a refresh is never silently turned into a new browser
// redirect.
func (c *Client) RefreshAccessToken(ctx context.Context) (*Tokens, error) {
	c.mu.Lock()
	current := c.tokens.Clone()
	c.mu.Unlock()

	return c.refreshLocked(ctx, current, false)
}

// refreshLocked performs the refresh. When haveLock is true the caller
// already holds c.mu and the token swap happens inline; otherwise the lock
// is taken for the swap. The HTTP exchange always happens without the lock
// held only in the unlocked variant.
func (c *Client) refreshLocked(ctx context.Context, current *Tokens, haveLock bool) (*Tokens, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	clientID := current.ClientID
	if clientID == "" {
		if !haveLock {
			c.mu.Lock()
		}
		if c.registration != nil {
			clientID = c.registration.ClientID
		}
		if !haveLock {
			c.mu.Unlock()
		}
	}

	md, err := c.cfg.Resolver.Discover(ctx, c.cfg.ServerURL)
	if err != nil {
		c.demoteToRegistered(haveLock)
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	form.Set("client_id", clientID)

	tokens, err := c.postTokenRequest(ctx, md.TokenEndpoint, form, "refresh_token")
	if err != nil {
		c.demoteToRegistered(haveLock)
		logging.Warn("OAuth", "Token refresh failed for server %s: %v", c.cfg.ServerID, err)
		return nil, err
	}
	tokens.ClientID = clientID

	if haveLock {
		c.tokens = tokens.Clone()
		c.state = StateAuthenticated
		if err := c.cfg.TokenStore.Save(ctx, c.cfg.ServerID, tokens); err != nil {
			return nil, fmt.Errorf("persisting refreshed tokens: %w", err)
		}
	} else if err := c.storeTokens(ctx, tokens, StateAuthenticated); err != nil {
		return nil, err
	}

	logging.Debug("OAuth", "Refreshed tokens for server %s", c.cfg.ServerID)
	return tokens.Clone(), nil
}

func (c *Client) demoteToRegistered(haveLock bool) {
	if !haveLock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.tokens = nil
	if c.registration != nil {
		c.state = StateRegistered
	} else {
		c.state = StateUnregistered
	}
}

// RevokeToken revokes a token at the server, best-effort per RFC 7009. When
// the server advertises no revocation endpoint this is a warning-level no-op.
// A non-success HTTP status is logged, not returned: revoking an
// already-invalid token still counts as revoked from the caller's side.
func (c *Client) RevokeToken(ctx context.Context, token, tokenTypeHint string) error {
	md, err := c.cfg.Resolver.Discover(ctx, c.cfg.ServerURL)
	if err != nil {
		return err
	}
	if md.RevocationEndpoint == "" {
		logging.Warn("OAuth", "Server %s advertises no revocation endpoint, skipping revocation", c.cfg.ServerID)
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	if reg := c.Registration(); reg != nil {
		form.Set("client_id", reg.ClientID)
	}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, md.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.Warn("OAuth", "Revocation request failed for server %s: %v", c.cfg.ServerID, err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Warn("OAuth", "Revocation returned status %d for server %s", resp.StatusCode, c.cfg.ServerID)
	}
	return nil
}

// IsTokenExpired reports whether the current token set is absent, or expires
// within buffer. Pass 0 to use the configured buffer (default 5 minutes).
func (c *Client) IsTokenExpired(buffer time.Duration) bool {
	if buffer <= 0 {
		buffer = c.buffer
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.ExpiresWithin(buffer)
}

// EnsureValidAccessToken is the single entry point for obtaining a bearer
// token: it refreshes if and only if the current token set is within the
// expiry buffer, and otherwise returns the current access token. Fails with
// ErrNotAuthenticated when the client was never authenticated. The whole
// check-and-refresh runs under the client mutex, so concurrent callers get
// one refresh, and the token record is replaced atomically or not at all.
func (c *Client) EnsureValidAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokens == nil {
		return "", ErrNotAuthenticated
	}
	if !c.tokens.ExpiresWithin(c.buffer) {
		return c.tokens.AccessToken, nil
	}

	refreshed, err := c.refreshLocked(ctx, c.tokens.Clone(), true)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// storeTokens stamps issuance time, swaps the stored token set wholesale,
// and writes through the token store.
func (c *Client) storeTokens(ctx context.Context, tokens *Tokens, next State) error {
	c.mu.Lock()
	c.tokens = tokens.Clone()
	c.state = next
	c.mu.Unlock()

	if err := c.cfg.TokenStore.Save(ctx, c.cfg.ServerID, tokens); err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}
	return nil
}

// postTokenRequest sends a form-encoded grant to the token endpoint and
// parses the token response, stamping IssuedAt locally.
func (c *Client) postTokenRequest(ctx context.Context, endpoint string, form url.Values, grant string) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The body may carry hints about the user's account; keep it out of
		// the returned error and log it at debug level only.
		logging.Debug("OAuth", "Token endpoint returned status %d: %s", resp.StatusCode, string(body))
		return nil, &TokenEndpointError{Grant: grant, Status: resp.StatusCode}
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	tokens.IssuedAt = time.Now()
	return &tokens, nil
}
