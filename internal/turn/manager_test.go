package turn

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/registry"
)

// fakeSession is a ToolSession recording its lifecycle.
type fakeSession struct {
	tools []connector.ToolDescriptor

	mu         sync.Mutex
	closeCount int
}

func (s *fakeSession) Tools() []connector.ToolDescriptor { return s.tools }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

func (s *fakeSession) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// fakeOpener opens fakeSessions by URL, failing the configured ones.
type fakeOpener struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	failures map[string]error
	opened   []string
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		sessions: make(map[string]*fakeSession),
		failures: make(map[string]error),
	}
}

func (o *fakeOpener) serve(url string, tools ...connector.ToolDescriptor) *fakeSession {
	s := &fakeSession{tools: tools}
	o.sessions[url] = s
	return s
}

func (o *fakeOpener) open(ctx context.Context, target connector.Target) (ToolSession, error) {
	o.mu.Lock()
	o.opened = append(o.opened, target.URL)
	o.mu.Unlock()

	if err, ok := o.failures[target.URL]; ok {
		return nil, err
	}
	if s, ok := o.sessions[target.URL]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no session for %s", target.URL)
}

func server(id, name string) registry.ServerAPI {
	return registry.ServerAPI{
		ID:   id,
		Name: name,
		URL:  "https://" + name + ".example.com/mcp",
	}
}

func tool(name string) connector.ToolDescriptor {
	return connector.ToolDescriptor{Name: name, Description: "from " + name}
}

func TestInitializeAllSucceed(t *testing.T) {
	opener := newFakeOpener()
	opener.serve("https://a.example.com/mcp", tool("alpha"))
	opener.serve("https://b.example.com/mcp", tool("beta"))

	tm := NewManager(opener.open, nil)
	defer func() { _ = tm.Cleanup() }()

	err := tm.Initialize(context.Background(), []registry.ServerAPI{
		server("srv-a", "a"),
		server("srv-b", "b"),
	})
	require.NoError(t, err)

	tools := tm.Tools()
	require.Len(t, tools, 2)

	_, ok := tm.Session("srv-a")
	assert.True(t, ok)
	_, ok = tm.Session("srv-b")
	assert.True(t, ok)
}

func TestInitializePartialFailure(t *testing.T) {
	opener := newFakeOpener()
	sessA := opener.serve("https://a.example.com/mcp", tool("alpha"))
	opener.failures["https://b.example.com/mcp"] = fmt.Errorf("connection refused")
	sessC := opener.serve("https://c.example.com/mcp", tool("gamma"))

	tm := NewManager(opener.open, nil)
	defer func() { _ = tm.Cleanup() }()

	err := tm.Initialize(context.Background(), []registry.ServerAPI{
		server("srv-a", "a"),
		server("srv-b", "b"),
		server("srv-c", "c"),
	})

	// The failure is reported, but the surviving sessions stay usable.
	var partial *PartialInitializationError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failures, 1)
	assert.ErrorContains(t, partial.Failures["b"], "connection refused")

	tools := tm.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].Name)
	assert.Equal(t, "gamma", tools[1].Name)

	// Every server was attempted despite b failing.
	assert.Len(t, opener.opened, 3)

	_ = sessA
	_ = sessC
}

func TestInitializeLastServerWinsToolCollisions(t *testing.T) {
	opener := newFakeOpener()
	opener.serve("https://a.example.com/mcp", tool("search"), tool("fetch"))
	opener.serve("https://b.example.com/mcp",
		connector.ToolDescriptor{Name: "search", Description: "from b"})

	tm := NewManager(opener.open, nil)
	defer func() { _ = tm.Cleanup() }()

	err := tm.Initialize(context.Background(), []registry.ServerAPI{
		server("srv-a", "a"),
		server("srv-b", "b"),
	})
	require.NoError(t, err)

	tools := tm.Tools()
	require.Len(t, tools, 2)

	// The later server's definition replaced the earlier one without
	// duplicating the entry.
	var search *connector.ToolDescriptor
	for i := range tools {
		if tools[i].Name == "search" {
			require.Nil(t, search, "search appears twice in the merged list")
			search = &tools[i]
		}
	}
	require.NotNil(t, search)
	assert.Equal(t, "from b", search.Description)

	owner, ok := tm.Owner("search")
	require.True(t, ok)
	assert.Equal(t, "srv-b", owner)

	owner, ok = tm.Owner("fetch")
	require.True(t, ok)
	assert.Equal(t, "srv-a", owner)
}

func TestCleanupClosesExactlyOpenedSessions(t *testing.T) {
	opener := newFakeOpener()
	sessA := opener.serve("https://a.example.com/mcp", tool("alpha"))
	opener.failures["https://b.example.com/mcp"] = fmt.Errorf("boom")

	tm := NewManager(opener.open, nil)
	err := tm.Initialize(context.Background(), []registry.ServerAPI{
		server("srv-a", "a"),
		server("srv-b", "b"),
	})
	var partial *PartialInitializationError
	require.ErrorAs(t, err, &partial)

	require.NoError(t, tm.Cleanup())
	assert.Equal(t, 1, sessA.closes())

	// After cleanup the turn exposes nothing.
	assert.Empty(t, tm.Tools())
	_, ok := tm.Session("srv-a")
	assert.False(t, ok)
}

func TestCleanupIsIdempotent(t *testing.T) {
	opener := newFakeOpener()
	sess := opener.serve("https://a.example.com/mcp", tool("alpha"))

	tm := NewManager(opener.open, nil)
	require.NoError(t, tm.Initialize(context.Background(), []registry.ServerAPI{server("srv-a", "a")}))

	// Racing shutdown paths must not double-close the transport.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tm.Cleanup()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sess.closes())
}

type staticHeaders struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *staticHeaders) ConnectionHeaders(ctx context.Context, serverID string) (map[string]string, error) {
	h.mu.Lock()
	h.calls = append(h.calls, serverID)
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return map[string]string{"Authorization": "Bearer token-" + serverID}, nil
}

func TestInitializeFetchesHeadersPerServer(t *testing.T) {
	opener := newFakeOpener()
	opener.serve("https://a.example.com/mcp", tool("alpha"))
	opener.serve("https://b.example.com/mcp", tool("beta"))

	headers := &staticHeaders{}
	tm := NewManager(opener.open, headers)
	defer func() { _ = tm.Cleanup() }()

	err := tm.Initialize(context.Background(), []registry.ServerAPI{
		server("srv-a", "a"),
		server("srv-b", "b"),
	})
	require.NoError(t, err)

	headers.mu.Lock()
	defer headers.mu.Unlock()
	assert.ElementsMatch(t, []string{"srv-a", "srv-b"}, headers.calls)
}

func TestInitializeHeaderFailureIsPerServer(t *testing.T) {
	opener := newFakeOpener()
	opener.serve("https://a.example.com/mcp", tool("alpha"))

	// Header resolution failing for a server counts as that server failing,
	// not the whole turn.
	headers := &staticHeaders{err: fmt.Errorf("token refresh failed")}
	tm := NewManager(opener.open, headers)
	defer func() { _ = tm.Cleanup() }()

	err := tm.Initialize(context.Background(), []registry.ServerAPI{server("srv-a", "a")})

	var partial *PartialInitializationError
	require.ErrorAs(t, err, &partial)
	assert.ErrorContains(t, partial.Failures["a"], "token refresh failed")
	assert.Empty(t, opener.opened)
}
