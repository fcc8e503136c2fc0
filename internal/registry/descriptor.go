package registry

import (
	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/oauth"
)

// Status is the runtime connection state of a server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Descriptor is one configured tool server. The yaml-tagged fields persist
// across restarts; runtime fields are rebuilt on every connect.
type Descriptor struct {
	ID        string                  `yaml:"id"`
	Name      string                  `yaml:"name"`
	URL       string                  `yaml:"url"`
	Transport connector.TransportType `yaml:"transport"`
	Auth      connector.AuthType      `yaml:"auth,omitempty"`

	// BearerToken is the static credential for auth type "bearer".
	BearerToken string `yaml:"bearerToken,omitempty"`

	// Headers are static HTTP headers sent on every connection to this
	// server, e.g. an API key. The Authorization header derived from the
	// auth type always wins over a static header of the same name.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Selected marks the server as part of the active set exposed to API
	// consumers when connected.
	Selected bool `yaml:"selected"`

	// Registration and Tokens hold OAuth state for auth type "oauth2".
	Registration *oauth.Registration `yaml:"registration,omitempty"`
	Tokens       *oauth.Tokens       `yaml:"tokens,omitempty"`

	// Runtime state, never persisted.
	Status    Status                     `yaml:"-"`
	StatusErr string                     `yaml:"-"`
	Tools     []connector.ToolDescriptor `yaml:"-"`
}

// Clone returns a deep copy. Mutating the copy never affects the stored
// descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	if d.Headers != nil {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = v
		}
	}
	if d.Registration != nil {
		reg := *d.Registration
		reg.RedirectURIs = append([]string(nil), d.Registration.RedirectURIs...)
		reg.GrantTypes = append([]string(nil), d.Registration.GrantTypes...)
		reg.ResponseTypes = append([]string(nil), d.Registration.ResponseTypes...)
		out.Registration = &reg
	}
	out.Tokens = d.Tokens.Clone()
	if d.Tools != nil {
		out.Tools = append([]connector.ToolDescriptor(nil), d.Tools...)
	}
	return &out
}

// ServerAPI is the projection of an active server handed to request turns:
// where to connect, how, and which server it is. Nothing credential-bearing
// crosses this boundary; connection headers are resolved separately, per
// connect, through Manager.ConnectionHeaders.
type ServerAPI struct {
	ID        string
	Name      string
	URL       string
	Transport connector.TransportType
	Auth      connector.AuthType
}

func (d *Descriptor) api() ServerAPI {
	return ServerAPI{
		ID:        d.ID,
		Name:      d.Name,
		URL:       d.URL,
		Transport: d.Transport,
		Auth:      d.Auth,
	}
}

// Authenticated reports whether the server has a usable credential source.
func (d *Descriptor) Authenticated() bool {
	switch d.Auth {
	case connector.AuthBearer:
		return d.BearerToken != ""
	case connector.AuthOAuth2:
		return d.Tokens != nil
	default:
		return true
	}
}
