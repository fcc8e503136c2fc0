package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/toolbridge/pkg/logging"
)

const (
	// DefaultTimeout bounds a whole connection attempt, fallback included.
	DefaultTimeout = 30 * time.Second

	protocolVersion = "2024-11-05"
)

// ConnectionError reports that a server was unreachable on every transport.
// Both attempt errors are carried so the caller can see why the preferred
// transport failed and why the fallback did too.
type ConnectionError struct {
	URL      string
	Primary  error
	Fallback error
}

func (e *ConnectionError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("connecting to %s: %v", e.URL, e.Primary)
	}
	return fmt.Sprintf("connecting to %s: %v (fallback: %v)", e.URL, e.Primary, e.Fallback)
}

func (e *ConnectionError) Unwrap() []error {
	errs := []error{e.Primary}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// Target describes one connection attempt against a tool server.
type Target struct {
	// URL is the server endpoint.
	URL string
	// Transport is the preferred transport; its alternate is the fallback.
	Transport TransportType
	// Headers are attached to every request on the session.
	Headers map[string]string
}

// Connector dials tool servers. The zero value is not usable; construct with
// New.
type Connector struct {
	timeout       time.Duration
	clientName    string
	clientVersion string
}

// Option configures a Connector.
type Option func(*Connector)

// WithTimeout sets the shared budget for a connection attempt including
// transport fallback.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientInfo sets the name and version announced during the protocol
// handshake.
func WithClientInfo(name, version string) Option {
	return func(c *Connector) {
		c.clientName = name
		c.clientVersion = version
	}
}

// New creates a Connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		timeout:       DefaultTimeout,
		clientName:    "toolbridge",
		clientVersion: "1.0.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session is a live connection to a tool server. It is created by Open and
// must be closed by the caller.
type Session struct {
	client    *client.Client
	transport TransportType
	tools     []ToolDescriptor
}

// Transport reports which transport the session ended up on after fallback.
func (s *Session) Transport() TransportType {
	return s.transport
}

// Tools returns the tool list captured during the handshake.
func (s *Session) Tools() []ToolDescriptor {
	return s.tools
}

// CallTool executes a tool on the session.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", name, err)
	}
	return result, nil
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Probe connects to a server, lists its tools, and disconnects. It is the
// health check used when a server is activated: reachable and speaking the
// protocol, without holding a session open.
func (c *Connector) Probe(ctx context.Context, target Target) ([]ToolDescriptor, error) {
	sess, err := c.Open(ctx, target)
	if err != nil {
		return nil, err
	}
	tools := sess.Tools()
	if cerr := sess.Close(); cerr != nil {
		logging.Debug("Connector", "Closing probe session for %s: %v", target.URL, cerr)
	}
	return tools, nil
}

// Open connects to a server and returns a live session. The preferred
// transport is tried first; if it fails for any reason the alternate
// transport is tried within the same timeout budget. When both fail the
// returned error is a *ConnectionError carrying both attempts.
func (c *Connector) Open(ctx context.Context, target Target) (*Session, error) {
	if target.URL == "" {
		return nil, fmt.Errorf("connector: target URL is required")
	}
	preferred := target.Transport
	if !preferred.Valid() {
		preferred = TransportHTTPStream
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sess, primaryErr := c.dial(ctx, target.URL, preferred, target.Headers)
	if primaryErr == nil {
		return sess, nil
	}

	fallback := preferred.Alternate()
	logging.Debug("Connector", "Transport %s failed for %s, falling back to %s: %v",
		preferred, target.URL, fallback, primaryErr)

	sess, fallbackErr := c.dial(ctx, target.URL, fallback, target.Headers)
	if fallbackErr == nil {
		return sess, nil
	}

	return nil, &ConnectionError{URL: target.URL, Primary: primaryErr, Fallback: fallbackErr}
}

// dial runs one full connection attempt on a single transport: create the
// client, start the transport, perform the protocol handshake, and capture
// the tool list. Any failure closes the client before returning.
func (c *Connector) dial(ctx context.Context, url string, tt TransportType, headers map[string]string) (*Session, error) {
	mcpClient, err := c.newClient(url, tt, headers)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", tt, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("starting %s transport: %w", tt, err)
	}

	initReq := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    c.clientName,
				Version: c.clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	initResult, err := mcpClient.Initialize(ctx, initReq)
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("initializing protocol over %s: %w", tt, err)
	}

	listResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("listing tools over %s: %w", tt, err)
	}

	logging.Debug("Connector", "Connected to %s over %s (server=%s/%s, tools=%d)",
		url, tt, initResult.ServerInfo.Name, initResult.ServerInfo.Version, len(listResult.Tools))

	return &Session{
		client:    mcpClient,
		transport: tt,
		tools:     toolDescriptors(listResult.Tools),
	}, nil
}

func (c *Connector) newClient(url string, tt TransportType, headers map[string]string) (*client.Client, error) {
	switch tt {
	case TransportHTTPStream:
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return client.NewStreamableHttpClient(url, opts...)
	case TransportEventStream:
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		return client.NewSSEMCPClient(url, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", tt)
	}
}
