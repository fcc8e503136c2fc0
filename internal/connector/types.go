package connector

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// TransportType selects the wire transport used to reach a tool server.
type TransportType string

const (
	// TransportHTTPStream is the streamable HTTP transport.
	TransportHTTPStream TransportType = "http-stream"
	// TransportEventStream is the SSE transport.
	TransportEventStream TransportType = "event-stream"
)

// Valid reports whether t is a known transport.
func (t TransportType) Valid() bool {
	switch t {
	case TransportHTTPStream, TransportEventStream:
		return true
	default:
		return false
	}
}

// Alternate returns the other transport, used as the fallback strategy.
func (t TransportType) Alternate() TransportType {
	if t == TransportEventStream {
		return TransportHTTPStream
	}
	return TransportEventStream
}

// AuthType selects how requests to a tool server are authenticated.
type AuthType string

const (
	// AuthBearer sends a statically configured token.
	AuthBearer AuthType = "bearer"
	// AuthOAuth2 sends an access token obtained through the OAuth flow.
	AuthOAuth2 AuthType = "oauth2"
	// AuthNone sends no credentials.
	AuthNone AuthType = "none"
)

// Valid reports whether a is a known auth type.
func (a AuthType) Valid() bool {
	switch a {
	case AuthBearer, AuthOAuth2, AuthNone, "":
		return true
	default:
		return false
	}
}

// AuthHeaders builds the HTTP headers for a server connection. The switch is
// exhaustive over AuthType so a new auth mode cannot silently connect
// unauthenticated: unknown values are an error, not a fallthrough.
func AuthHeaders(auth AuthType, staticToken, accessToken string) (map[string]string, error) {
	switch auth {
	case AuthBearer:
		if staticToken == "" {
			return nil, fmt.Errorf("bearer auth requires a configured token")
		}
		return map[string]string{"Authorization": "Bearer " + staticToken}, nil
	case AuthOAuth2:
		if accessToken == "" {
			return nil, fmt.Errorf("oauth2 auth requires an access token")
		}
		return map[string]string{"Authorization": "Bearer " + accessToken}, nil
	case AuthNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", auth)
	}
}

// ToolDescriptor is the client-side view of a tool advertised by a server.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema mcp.ToolInputSchema
}

func toolDescriptors(tools []mcp.Tool) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
