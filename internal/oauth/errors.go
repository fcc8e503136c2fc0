package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors for flow-level failures that carry no extra data.
// Callers match these with errors.Is.
var (
	// ErrCSRFMismatch indicates the state parameter returned by the
	// authorization server does not match the stored value (or no value was
	// stored). This is security-fatal for the flow and must never be retried.
	ErrCSRFMismatch = errors.New("oauth: state parameter mismatch (possible CSRF)")

	// ErrSessionExpired indicates the stored authorization attempt is
	// unusable (incomplete PKCE verifier or client id); the flow must be
	// restarted. A missing attempt is ErrCSRFMismatch instead.
	ErrSessionExpired = errors.New("oauth: authorization session expired, restart the flow")

	// ErrNoRefreshToken indicates a refresh was requested but no refresh
	// token is held. The caller must fall back to re-authorization.
	ErrNoRefreshToken = errors.New("oauth: no refresh token available")

	// ErrNotAuthenticated indicates no token has ever been obtained for
	// this client.
	ErrNotAuthenticated = errors.New("oauth: not authenticated")
)

// DiscoveryError reports a failed or invalid authorization server metadata
// fetch.
type DiscoveryError struct {
	URL    string // the well-known URL that was fetched
	Status int    // HTTP status, 0 when the request itself failed
	Reason string // validation failure detail, empty for transport errors
	Err    error  // underlying error, if any
}

func (e *DiscoveryError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("oauth: metadata discovery failed for %s: %s", e.URL, e.Reason)
	case e.Status != 0:
		return fmt.Sprintf("oauth: metadata discovery failed for %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("oauth: metadata discovery failed for %s: %v", e.URL, e.Err)
	}
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// RegistrationError reports a rejected dynamic client registration request.
type RegistrationError struct {
	Status        int
	ServerMessage string
}

func (e *RegistrationError) Error() string {
	if e.ServerMessage != "" {
		return fmt.Sprintf("oauth: client registration failed with status %d: %s", e.Status, e.ServerMessage)
	}
	return fmt.Sprintf("oauth: client registration failed with status %d", e.Status)
}

// UnsupportedPKCEError indicates the authorization server does not advertise
// a usable PKCE code challenge method. OAuth 2.1 mandates PKCE, so the flow
// for that server cannot proceed.
type UnsupportedPKCEError struct {
	Advertised []string
}

func (e *UnsupportedPKCEError) Error() string {
	if len(e.Advertised) == 0 {
		return "oauth: authorization server does not advertise PKCE support (code_challenge_methods_supported missing)"
	}
	return fmt.Sprintf("oauth: authorization server supports no usable PKCE method (advertised: %v)", e.Advertised)
}

// TokenEndpointError reports a non-success response from the token endpoint
// during code exchange or refresh.
type TokenEndpointError struct {
	Grant  string // "authorization_code" or "refresh_token"
	Status int
}

func (e *TokenEndpointError) Error() string {
	return fmt.Sprintf("oauth: %s grant failed with status %d", e.Grant, e.Status)
}
