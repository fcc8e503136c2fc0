package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/oauth"
)

// staticProbe returns the same tools for every server.
func staticProbe(tools ...connector.ToolDescriptor) ProbeFunc {
	return func(ctx context.Context, target connector.Target) ([]connector.ToolDescriptor, error) {
		return tools, nil
	}
}

func failingProbe(err error) ProbeFunc {
	return func(ctx context.Context, target connector.Target) ([]connector.ToolDescriptor, error) {
		return nil, err
	}
}

func newTestManager(t *testing.T, probe ProbeFunc) (*Manager, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	m, err := NewManager(ManagerConfig{Store: store, Probe: probe})
	require.NoError(t, err)
	return m, store
}

func addTestServer(t *testing.T, m *Manager, name string) *Descriptor {
	t.Helper()

	d, err := m.AddServer(context.Background(), &Descriptor{
		Name:     name,
		URL:      "https://" + name + ".example.com/mcp",
		Selected: true,
	})
	require.NoError(t, err)
	return d
}

func TestAddServer(t *testing.T) {
	m, store := newTestManager(t, staticProbe())

	d := addTestServer(t, m, "alpha")
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, connector.TransportHTTPStream, d.Transport)
	assert.Equal(t, StatusDisconnected, d.Status)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "alpha", persisted[0].Name)
}

func TestAddServerValidation(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())

	_, err := m.AddServer(context.Background(), &Descriptor{Name: "", URL: "https://x.example.com"})
	assert.Error(t, err)

	_, err = m.AddServer(context.Background(), &Descriptor{Name: "x", URL: ""})
	assert.Error(t, err)

	_, err = m.AddServer(context.Background(), &Descriptor{Name: "x", URL: "https://x.example.com", Transport: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = m.AddServer(context.Background(), &Descriptor{Name: "x", URL: "https://x.example.com", Auth: "basic"})
	assert.Error(t, err)
}

func TestAddServerRejectsDuplicateURL(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())
	addTestServer(t, m, "alpha")

	_, err := m.AddServer(context.Background(), &Descriptor{
		Name: "alpha-again",
		URL:  "https://alpha.example.com/mcp",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestAddServerHonorsProvidedID(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())

	d, err := m.AddServer(context.Background(), &Descriptor{
		ID:   "pinned-id",
		Name: "alpha",
		URL:  "https://alpha.example.com/mcp",
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned-id", d.ID)

	_, err = m.AddServer(context.Background(), &Descriptor{
		ID:   "pinned-id",
		Name: "beta",
		URL:  "https://beta.example.com/mcp",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRemoveServer(t *testing.T) {
	m, store := newTestManager(t, staticProbe())
	d := addTestServer(t, m, "alpha")

	require.NoError(t, m.RemoveServer(context.Background(), d.ID))

	_, ok := m.Get(d.ID)
	assert.False(t, ok)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, persisted)

	assert.Error(t, m.RemoveServer(context.Background(), d.ID))
}

func TestLoadResetsRuntimeState(t *testing.T) {
	m, store := newTestManager(t, staticProbe(connector.ToolDescriptor{Name: "search"}))
	d := addTestServer(t, m, "alpha")
	require.NoError(t, m.Connect(context.Background(), d.ID))

	// A second manager sharing the store starts with everything
	// disconnected: connection state never survives a restart.
	m2, err := NewManager(ManagerConfig{Store: store, Probe: staticProbe()})
	require.NoError(t, err)
	require.NoError(t, m2.Load(context.Background()))

	loaded, ok := m2.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, loaded.Status)
	assert.Empty(t, loaded.Tools)
}

func TestConnectSuccess(t *testing.T) {
	tools := []connector.ToolDescriptor{{Name: "search"}, {Name: "fetch"}}
	m, _ := newTestManager(t, staticProbe(tools...))
	d := addTestServer(t, m, "alpha")

	require.NoError(t, m.Connect(context.Background(), d.ID))

	connected, ok := m.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, connected.Status)
	assert.Len(t, connected.Tools, 2)
	assert.Empty(t, connected.StatusErr)
}

func TestConnectFailure(t *testing.T) {
	m, _ := newTestManager(t, failingProbe(fmt.Errorf("connection refused")))
	d := addTestServer(t, m, "alpha")

	err := m.Connect(context.Background(), d.ID)
	require.Error(t, err)

	failed, ok := m.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, StatusError, failed.Status)
	assert.Contains(t, failed.StatusErr, "connection refused")
	assert.Empty(t, failed.Tools)
}

func TestConnectWhileConnectingIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	probe := func(ctx context.Context, target connector.Target) ([]connector.ToolDescriptor, error) {
		close(started)
		<-release
		return nil, nil
	}

	m, _ := newTestManager(t, probe)
	d := addTestServer(t, m, "alpha")

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), d.ID) }()
	<-started

	err := m.Connect(context.Background(), d.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")

	close(release)
	require.NoError(t, <-done)
}

func TestConnectWhenConnectedIsNoop(t *testing.T) {
	var calls int
	probe := func(ctx context.Context, target connector.Target) ([]connector.ToolDescriptor, error) {
		calls++
		return nil, nil
	}
	m, _ := newTestManager(t, probe)
	d := addTestServer(t, m, "alpha")

	require.NoError(t, m.Connect(context.Background(), d.ID))
	require.NoError(t, m.Connect(context.Background(), d.ID))
	assert.Equal(t, 1, calls)
}

func TestDisconnect(t *testing.T) {
	m, _ := newTestManager(t, staticProbe(connector.ToolDescriptor{Name: "search"}))
	d := addTestServer(t, m, "alpha")
	require.NoError(t, m.Connect(context.Background(), d.ID))

	require.NoError(t, m.Disconnect(context.Background(), d.ID))

	disconnected, ok := m.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, disconnected.Status)
	assert.Empty(t, disconnected.Tools)
}

func TestActiveServersForAPI(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())

	a := addTestServer(t, m, "alpha")
	b := addTestServer(t, m, "beta")
	c := addTestServer(t, m, "gamma")

	// alpha: selected + connected, beta: connected but deselected,
	// gamma: selected but never connected.
	require.NoError(t, m.Connect(context.Background(), a.ID))
	require.NoError(t, m.Connect(context.Background(), b.ID))
	require.NoError(t, m.SetSelected(context.Background(), b.ID, false))

	active := m.ActiveServersForAPI()
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
	_ = c
}

func TestActiveServersForAPIPreservesOrder(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		d := addTestServer(t, m, name)
		require.NoError(t, m.Connect(context.Background(), d.ID))
		ids = append(ids, d.ID)
	}

	active := m.ActiveServersForAPI()
	require.Len(t, active, 3)
	for i, d := range active {
		assert.Equal(t, ids[i], d.ID)
	}
}

func TestConnectionHeadersBearer(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())
	d, err := m.AddServer(context.Background(), &Descriptor{
		Name:        "alpha",
		URL:         "https://alpha.example.com/mcp",
		Auth:        connector.AuthBearer,
		BearerToken: "static-token",
	})
	require.NoError(t, err)

	headers, err := m.ConnectionHeaders(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer static-token", headers["Authorization"])
}

func TestConnectionHeadersIncludeStaticHeaders(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())
	d, err := m.AddServer(context.Background(), &Descriptor{
		Name:        "alpha",
		URL:         "https://alpha.example.com/mcp",
		Auth:        connector.AuthBearer,
		BearerToken: "static-token",
		Headers: map[string]string{
			"X-API-Key":     "key-123",
			"Authorization": "masked",
		},
	})
	require.NoError(t, err)

	headers, err := m.ConnectionHeaders(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "key-123", headers["X-API-Key"])
	// The credential always wins over a configured header of the same name.
	assert.Equal(t, "Bearer static-token", headers["Authorization"])
}

func TestConnectionHeadersStaticOnly(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())
	d, err := m.AddServer(context.Background(), &Descriptor{
		Name:    "alpha",
		URL:     "https://alpha.example.com/mcp",
		Headers: map[string]string{"X-API-Key": "key-123"},
	})
	require.NoError(t, err)

	headers, err := m.ConnectionHeaders(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-API-Key": "key-123"}, headers)
}

func TestActiveServersForAPIProjection(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())
	d, err := m.AddServer(context.Background(), &Descriptor{
		Name:        "alpha",
		URL:         "https://alpha.example.com/mcp",
		Auth:        connector.AuthBearer,
		BearerToken: "secret",
		Selected:    true,
	})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background(), d.ID))

	active := m.ActiveServersForAPI()
	require.Len(t, active, 1)
	assert.Equal(t, ServerAPI{
		ID:        d.ID,
		Name:      "alpha",
		URL:       "https://alpha.example.com/mcp",
		Transport: connector.TransportHTTPStream,
		Auth:      connector.AuthBearer,
	}, active[0])
}

// mockAS is a minimal authorization server covering metadata, registration,
// and the refresh grant with rotation.
type mockAS struct {
	*httptest.Server

	mu           sync.Mutex
	tokenSerial  int
	refreshCalls int
}

func newMockAS(t *testing.T) *mockAS {
	t.Helper()
	mas := &mockAS{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(oauth.Metadata{
			Issuer:                        mas.URL,
			AuthorizationEndpoint:         mas.URL + "/authorize",
			TokenEndpoint:                 mas.URL + "/token",
			RegistrationEndpoint:          mas.URL + "/register",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"client_id": "client-1"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mas.mu.Lock()
		mas.tokenSerial++
		if r.Form.Get("grant_type") == "refresh_token" {
			mas.refreshCalls++
		}
		serial := mas.tokenSerial
		mas.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("AT_%d", serial),
			"refresh_token": fmt.Sprintf("RT_%d", serial),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	mas.Server = httptest.NewServer(mux)
	t.Cleanup(mas.Close)
	return mas
}

// newOAuthManager wires a manager whose single server authenticates via the
// mock AS.
func newOAuthManager(t *testing.T, mas *mockAS, probe ProbeFunc) (*Manager, *MemoryStore, *Descriptor) {
	t.Helper()

	store := NewMemoryStore()
	flows := oauth.NewFlowStore()
	t.Cleanup(flows.Stop)

	m, err := NewManager(ManagerConfig{
		Store:       store,
		Probe:       probe,
		Resolver:    oauth.NewResolver(),
		Flows:       flows,
		RedirectURI: "http://localhost:8765/callback",
	})
	require.NoError(t, err)

	d, err := m.AddServer(context.Background(), &Descriptor{
		Name:     "secure",
		URL:      mas.URL + "/mcp",
		Auth:     connector.AuthOAuth2,
		Selected: true,
		Headers:  map[string]string{"X-API-Key": "key-123"},
		Registration: &oauth.Registration{
			ClientID:                "client-1",
			TokenEndpointAuthMethod: "none",
		},
		Tokens: &oauth.Tokens{
			AccessToken:  "AT_OLD",
			RefreshToken: "RT_OLD",
			ExpiresIn:    3600,
			ClientID:     "client-1",
			IssuedAt:     time.Now().Add(-2 * time.Hour),
		},
	})
	require.NoError(t, err)
	return m, store, d
}

func TestConnectRefreshesAndPersistsRotatedTokens(t *testing.T) {
	mas := newMockAS(t)

	var probedAuth string
	probe := func(ctx context.Context, target connector.Target) ([]connector.ToolDescriptor, error) {
		probedAuth = target.Headers["Authorization"]
		return []connector.ToolDescriptor{{Name: "search"}}, nil
	}

	m, store, d := newOAuthManager(t, mas, probe)
	require.NoError(t, m.Connect(context.Background(), d.ID))

	// The expired token was refreshed before the probe ran.
	assert.Equal(t, "Bearer AT_1", probedAuth)

	// The rotated token set is already persisted, wholesale.
	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "AT_1", persisted[0].Tokens.AccessToken)
	assert.Equal(t, "RT_1", persisted[0].Tokens.RefreshToken)

	mas.mu.Lock()
	assert.Equal(t, 1, mas.refreshCalls)
	mas.mu.Unlock()
}

func TestConnectionHeadersFreshTokenSkipsRefresh(t *testing.T) {
	mas := newMockAS(t)
	m, _, d := newOAuthManager(t, mas, staticProbe())

	// Replace the expired seed with a fresh token set.
	fresh := &oauth.Tokens{
		AccessToken:  "AT_FRESH",
		RefreshToken: "RT_FRESH",
		ExpiresIn:    3600,
		ClientID:     "client-1",
		IssuedAt:     time.Now(),
	}
	tokenStore := &descriptorTokenStore{manager: m}
	require.NoError(t, tokenStore.Save(context.Background(), d.ID, fresh))

	headers, err := m.ConnectionHeaders(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer AT_FRESH", headers["Authorization"])
	// Static headers ride along on oauth2 connections too.
	assert.Equal(t, "key-123", headers["X-API-Key"])

	mas.mu.Lock()
	assert.Equal(t, 0, mas.refreshCalls)
	mas.mu.Unlock()
}

func TestBeginAuthorizationRegistersOnce(t *testing.T) {
	mas := newMockAS(t)

	store := NewMemoryStore()
	flows := oauth.NewFlowStore()
	t.Cleanup(flows.Stop)

	var navigated string
	m, err := NewManager(ManagerConfig{
		Store:       store,
		Probe:       staticProbe(),
		Resolver:    oauth.NewResolver(),
		Flows:       flows,
		RedirectURI: "http://localhost:8765/callback",
		Navigate:    func(u string) error { navigated = u; return nil },
	})
	require.NoError(t, err)

	d, err := m.AddServer(context.Background(), &Descriptor{
		Name: "secure",
		URL:  mas.URL + "/mcp",
		Auth: connector.AuthOAuth2,
	})
	require.NoError(t, err)

	authURL, err := m.BeginAuthorization(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, authURL, navigated)
	assert.Contains(t, authURL, "client_id=client-1")
	assert.Contains(t, authURL, "code_challenge_method=S256")

	// Registration landed in the descriptor and the store.
	updated, ok := m.Get(d.ID)
	require.True(t, ok)
	require.NotNil(t, updated.Registration)
	assert.Equal(t, "client-1", updated.Registration.ClientID)
}

func TestBeginAuthorizationRejectsNonOAuthServer(t *testing.T) {
	m, _ := newTestManager(t, staticProbe())
	d := addTestServer(t, m, "alpha")

	_, err := m.BeginAuthorization(context.Background(), d.ID)
	require.Error(t, err)
}
