package oauth

import (
	"time"
)

// Metadata represents the OAuth 2.0 Authorization Server Metadata document
// as defined in RFC 8414. Immutable once fetched.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the server advertises any PKCE code challenge
// method toolbridge can use (S256 or plain).
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == pkceMethodS256 || method == pkceMethodPlain {
			return true
		}
	}
	return false
}

// Registration holds the credentials issued by Dynamic Client Registration
// (RFC 7591). ClientSecret is empty for public clients.
type Registration struct {
	ClientID                string   `json:"client_id" yaml:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris" yaml:"redirect_uris"`
	GrantTypes              []string `json:"grant_types" yaml:"grant_types"`
	ResponseTypes           []string `json:"response_types" yaml:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
}

// Tokens is the token set issued by the authorization server. The tokens
// themselves are opaque; toolbridge never inspects their content. IssuedAt
// is stamped locally on receipt and never trusted from the server.
type Tokens struct {
	AccessToken  string    `json:"access_token" yaml:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty" yaml:"expires_in,omitempty"`
	TokenType    string    `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty" yaml:"scope,omitempty"`
	ClientID     string    `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	IssuedAt     time.Time `json:"issued_at,omitempty" yaml:"issued_at,omitempty"`
}

// ExpiresWithin reports whether the token set is expired or will expire
// within buffer. A zero IssuedAt is treated as expired so that tokens whose
// provenance is unknown are always refreshed before use.
func (t *Tokens) ExpiresWithin(buffer time.Duration) bool {
	if t == nil || t.IssuedAt.IsZero() {
		return true
	}
	expiry := t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	return !time.Now().Before(expiry.Add(-buffer))
}

// Clone returns a deep copy of the token set.
func (t *Tokens) Clone() *Tokens {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// FlowState is the ephemeral state of one authorization attempt: the CSRF
// nonce, the PKCE verifier, and the client id that initiated the flow. It
// lives only between authorization initiation and callback handling.
type FlowState struct {
	State        string
	CodeVerifier string
	ClientID     string
	CreatedAt    time.Time
}
