package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/oauth"
	"github.com/giantswarm/toolbridge/pkg/logging"
)

// ProbeFunc verifies a server is reachable and returns its tool list.
type ProbeFunc func(ctx context.Context, target connector.Target) ([]connector.ToolDescriptor, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Store persists server descriptors; required.
	Store Store

	// Connector dials servers. Ignored when Probe is set.
	Connector *connector.Connector

	// Probe overrides the connector's probe, mainly for tests.
	Probe ProbeFunc

	// Resolver discovers OAuth metadata for oauth2 servers.
	Resolver *oauth.Resolver

	// Flows holds in-flight authorization attempts.
	Flows *oauth.FlowStore

	// RedirectURI receives OAuth callbacks.
	RedirectURI string

	// Navigate delivers authorization URLs to the user agent.
	Navigate oauth.Navigator

	// Scope overrides the default OAuth scope when non-empty.
	Scope string

	// ClientName is used during dynamic client registration.
	ClientName string
}

// Manager owns the server registry: configured descriptors, their connection
// lifecycle, and the per-server OAuth clients. All methods are safe for
// concurrent use. Mutations replace the affected descriptor wholesale, so
// snapshots handed out earlier stay internally consistent.
type Manager struct {
	cfg   ManagerConfig
	probe ProbeFunc

	mu      sync.RWMutex
	servers map[string]*Descriptor
	order   []string
	clients map[string]*oauth.Client
}

// NewManager creates a Manager. Store is required; Resolver, Flows, and
// RedirectURI are required only when oauth2 servers are used.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: Store is required")
	}
	m := &Manager{
		cfg:     cfg,
		probe:   cfg.Probe,
		servers: make(map[string]*Descriptor),
		clients: make(map[string]*oauth.Client),
	}
	if m.probe == nil {
		conn := cfg.Connector
		if conn == nil {
			conn = connector.New()
		}
		m.probe = conn.Probe
	}
	return m, nil
}

// Load replaces the in-memory registry with the persisted descriptors. All
// servers come back disconnected; connection state is never persisted.
func (m *Manager) Load(ctx context.Context) error {
	servers, err := m.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading server registry: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers = make(map[string]*Descriptor, len(servers))
	m.order = m.order[:0]
	m.clients = make(map[string]*oauth.Client)
	for _, d := range servers {
		desc := d.Clone()
		desc.Status = StatusDisconnected
		desc.StatusErr = ""
		desc.Tools = nil
		m.servers[desc.ID] = desc
		m.order = append(m.order, desc.ID)
	}

	logging.Debug("Registry", "Loaded %d servers", len(m.order))
	return nil
}

// AddServer registers a new server. The descriptor's Name and URL are
// required; ID and Status are assigned here. Adding a second server with the
// same URL is rejected.
func (m *Manager) AddServer(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	if d == nil || d.Name == "" || d.URL == "" {
		return nil, fmt.Errorf("registry: server name and URL are required")
	}
	if d.Transport != "" && !d.Transport.Valid() {
		return nil, fmt.Errorf("registry: unknown transport %q", d.Transport)
	}
	if !d.Auth.Valid() {
		return nil, fmt.Errorf("registry: unknown auth type %q", d.Auth)
	}

	desc := d.Clone()
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if desc.Transport == "" {
		desc.Transport = connector.TransportHTTPStream
	}
	desc.Status = StatusDisconnected
	desc.StatusErr = ""
	desc.Tools = nil

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[desc.ID]; exists {
		return nil, fmt.Errorf("registry: server with ID %s already exists", desc.ID)
	}
	for _, id := range m.order {
		if m.servers[id].URL == desc.URL {
			return nil, fmt.Errorf("registry: server with URL %s already exists (%s)", desc.URL, m.servers[id].Name)
		}
	}

	m.servers[desc.ID] = desc
	m.order = append(m.order, desc.ID)
	if err := m.persistLocked(ctx); err != nil {
		delete(m.servers, desc.ID)
		m.order = m.order[:len(m.order)-1]
		return nil, err
	}

	logging.Info("Registry", "Added server %s (%s)", desc.Name, desc.URL)
	return desc.Clone(), nil
}

// RemoveServer deletes a server and its OAuth client.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("registry: unknown server %s", id)
	}

	delete(m.servers, id)
	delete(m.clients, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	logging.Info("Registry", "Removed server %s (%s)", d.Name, d.URL)
	return nil
}

// Get returns a snapshot of one server.
func (m *Manager) Get(id string) (*Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.servers[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// GetByName returns a snapshot of the first server with the given name.
func (m *Manager) GetByName(name string) (*Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if m.servers[id].Name == name {
			return m.servers[id].Clone(), true
		}
	}
	return nil, false
}

// List returns snapshots of all servers in registration order.
func (m *Manager) List() []*Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Descriptor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.servers[id].Clone())
	}
	return out
}

// SetSelected marks a server in or out of the active set.
func (m *Manager) SetSelected(ctx context.Context, id string, selected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("registry: unknown server %s", id)
	}
	desc := d.Clone()
	desc.Selected = selected
	m.servers[id] = desc
	return m.persistLocked(ctx)
}

// ActiveServersForAPI returns the servers that API consumers should see:
// those both selected and currently connected, in registration order,
// projected down to connection essentials. Tokens and other credentials
// stay inside the registry.
func (m *Manager) ActiveServersForAPI() []ServerAPI {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ServerAPI
	for _, id := range m.order {
		d := m.servers[id]
		if d.Selected && d.Status == StatusConnected {
			out = append(out, d.api())
		}
	}
	return out
}

// Connect probes the server and marks it connected on success. A connect
// already in progress is rejected rather than queued; a connected server is
// a no-op. For oauth2 servers the token is refreshed first if needed, and
// the rotated token is persisted before the probe result is applied.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("registry: unknown server %s", id)
	}
	switch d.Status {
	case StatusConnecting:
		m.mu.Unlock()
		return fmt.Errorf("registry: connection to %s already in progress", d.Name)
	case StatusConnected:
		m.mu.Unlock()
		return nil
	}
	desc := d.Clone()
	desc.Status = StatusConnecting
	desc.StatusErr = ""
	m.servers[id] = desc
	target := connector.Target{URL: desc.URL, Transport: desc.Transport}
	m.mu.Unlock()

	tools, err := m.probeServer(ctx, id, target)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.servers[id]
	if !ok {
		// Removed while connecting.
		return err
	}
	next := current.Clone()
	if err != nil {
		next.Status = StatusError
		next.StatusErr = err.Error()
		next.Tools = nil
		m.servers[id] = next
		logging.Warn("Registry", "Connecting to server %s failed: %v", current.Name, err)
		return err
	}
	next.Status = StatusConnected
	next.StatusErr = ""
	next.Tools = tools
	m.servers[id] = next
	logging.Info("Registry", "Server %s connected (%d tools)", current.Name, len(tools))
	return nil
}

// probeServer resolves credentials and runs the probe. Credential errors
// surface the same way transport errors do: the server lands in error state.
func (m *Manager) probeServer(ctx context.Context, id string, target connector.Target) ([]connector.ToolDescriptor, error) {
	headers, err := m.ConnectionHeaders(ctx, id)
	if err != nil {
		return nil, err
	}
	target.Headers = headers
	return m.probe(ctx, target)
}

// Disconnect marks a server disconnected and drops its runtime tool list.
func (m *Manager) Disconnect(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("registry: unknown server %s", id)
	}
	desc := d.Clone()
	desc.Status = StatusDisconnected
	desc.StatusErr = ""
	desc.Tools = nil
	m.servers[id] = desc
	logging.Debug("Registry", "Server %s disconnected", d.Name)
	return nil
}

// ConnectionHeaders returns the HTTP headers a connection to this server
// must carry: the descriptor's static headers plus the auth header for its
// auth type. For oauth2 servers the token's freshness is re-checked here,
// immediately before use, so a token that expired since the last check is
// refreshed rather than sent stale.
func (m *Manager) ConnectionHeaders(ctx context.Context, id string) (map[string]string, error) {
	m.mu.RLock()
	d, ok := m.servers[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("registry: unknown server %s", id)
	}
	auth := d.Auth
	bearer := d.BearerToken
	static := d.Clone().Headers
	m.mu.RUnlock()

	if auth != connector.AuthOAuth2 {
		authHeaders, err := connector.AuthHeaders(auth, bearer, "")
		if err != nil {
			return nil, err
		}
		return mergeHeaders(static, authHeaders), nil
	}

	client, err := m.oauthClientFor(id)
	if err != nil {
		return nil, err
	}
	accessToken, err := client.EnsureValidAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining access token for server %s: %w", id, err)
	}
	authHeaders, err := connector.AuthHeaders(connector.AuthOAuth2, "", accessToken)
	if err != nil {
		return nil, err
	}
	return mergeHeaders(static, authHeaders), nil
}

// mergeHeaders overlays auth headers onto the static set. The auth header
// wins on collision so a configured header can never mask the credential.
func mergeHeaders(static, auth map[string]string) map[string]string {
	if len(static) == 0 {
		return auth
	}
	out := make(map[string]string, len(static)+len(auth))
	for k, v := range static {
		out[k] = v
	}
	for k, v := range auth {
		out[k] = v
	}
	return out
}

// BeginAuthorization starts the OAuth flow for a server: discover metadata,
// register the client if this server was never registered, and hand the
// authorization URL to the configured navigator. Returns the URL.
func (m *Manager) BeginAuthorization(ctx context.Context, id string) (string, error) {
	m.mu.RLock()
	d, ok := m.servers[id]
	if !ok {
		m.mu.RUnlock()
		return "", fmt.Errorf("registry: unknown server %s", id)
	}
	if d.Auth != connector.AuthOAuth2 {
		m.mu.RUnlock()
		return "", fmt.Errorf("registry: server %s does not use oauth2", d.Name)
	}
	serverURL := d.URL
	registered := d.Registration != nil
	m.mu.RUnlock()

	client, err := m.oauthClientFor(id)
	if err != nil {
		return "", err
	}

	md, err := m.cfg.Resolver.Discover(ctx, serverURL)
	if err != nil {
		return "", err
	}

	if !registered {
		reg, err := client.Register(ctx, md)
		if err != nil {
			return "", err
		}
		if err := m.storeRegistration(ctx, id, reg); err != nil {
			return "", err
		}
	}

	return client.InitiateAuthorization(ctx, md)
}

// CompleteAuthorization finishes the OAuth flow with the callback's code and
// state. Tokens are written into the descriptor and persisted by the OAuth
// client's token store before this returns.
func (m *Manager) CompleteAuthorization(ctx context.Context, id, code, state string) error {
	client, err := m.oauthClientFor(id)
	if err != nil {
		return err
	}
	if _, err := client.HandleCallback(ctx, code, state); err != nil {
		return err
	}
	return nil
}

// ClearAuthorization revokes and drops a server's tokens, returning it to
// the registered-but-unauthenticated state.
func (m *Manager) ClearAuthorization(ctx context.Context, id string) error {
	m.mu.RLock()
	d, ok := m.servers[id]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("registry: unknown server %s", id)
	}
	tokens := d.Tokens.Clone()
	m.mu.RUnlock()

	if tokens == nil {
		return nil
	}

	client, err := m.oauthClientFor(id)
	if err != nil {
		return err
	}
	if tokens.RefreshToken != "" {
		_ = client.RevokeToken(ctx, tokens.RefreshToken, "refresh_token")
	}
	_ = client.RevokeToken(ctx, tokens.AccessToken, "access_token")

	store := &descriptorTokenStore{manager: m}
	return store.Save(ctx, id, nil)
}

// oauthClientFor returns the per-server OAuth client, creating and seeding
// it from the descriptor on first use.
func (m *Manager) oauthClientFor(id string) (*oauth.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[id]; ok {
		return c, nil
	}
	d, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown server %s", id)
	}
	if m.cfg.Resolver == nil || m.cfg.Flows == nil || m.cfg.RedirectURI == "" {
		return nil, fmt.Errorf("registry: OAuth is not configured")
	}

	client, err := oauth.NewClient(oauth.ClientConfig{
		ServerID:    id,
		ServerURL:   d.URL,
		RedirectURI: m.cfg.RedirectURI,
		Scope:       m.cfg.Scope,
		ClientName:  m.cfg.ClientName,
		Resolver:    m.cfg.Resolver,
		TokenStore:  &descriptorTokenStore{manager: m},
		FlowStore:   m.cfg.Flows,
		Navigate:    m.cfg.Navigate,
	})
	if err != nil {
		return nil, err
	}
	client.Restore(d.Registration, d.Tokens)
	m.clients[id] = client
	return client, nil
}

// storeRegistration writes the registration into the descriptor and
// persists.
func (m *Manager) storeRegistration(ctx context.Context, id string, reg *oauth.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("registry: unknown server %s", id)
	}
	desc := d.Clone()
	desc.Registration = reg
	m.servers[id] = desc
	return m.persistLocked(ctx)
}

// persistLocked saves the full registry. Caller holds m.mu.
func (m *Manager) persistLocked(ctx context.Context) error {
	servers := make([]*Descriptor, 0, len(m.order))
	for _, id := range m.order {
		servers = append(servers, m.servers[id])
	}
	if err := m.cfg.Store.Save(ctx, servers); err != nil {
		return fmt.Errorf("persisting server registry: %w", err)
	}
	return nil
}

// descriptorTokenStore adapts the registry to oauth.TokenStore: tokens live
// inside the server descriptor and every rotation is persisted immediately,
// so a refresh token is never lost to a crash between rotation and save.
type descriptorTokenStore struct {
	manager *Manager
}

func (s *descriptorTokenStore) Load(_ context.Context, serverID string) (*oauth.Tokens, error) {
	s.manager.mu.RLock()
	defer s.manager.mu.RUnlock()
	d, ok := s.manager.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("registry: unknown server %s", serverID)
	}
	return d.Tokens.Clone(), nil
}

func (s *descriptorTokenStore) Save(ctx context.Context, serverID string, tokens *oauth.Tokens) error {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()
	d, ok := s.manager.servers[serverID]
	if !ok {
		return fmt.Errorf("registry: unknown server %s", serverID)
	}
	desc := d.Clone()
	desc.Tokens = tokens.Clone()
	s.manager.servers[serverID] = desc
	return s.manager.persistLocked(ctx)
}
