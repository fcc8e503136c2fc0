// Package turn manages the tool-server sessions backing a single request
// turn. Sessions for every active server are opened concurrently, their tool
// lists merged, and everything torn down again when the turn ends.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/registry"
	"github.com/giantswarm/toolbridge/pkg/logging"
)

// ToolSession is the slice of a server session the turn manager needs.
// *connector.Session satisfies it.
type ToolSession interface {
	Tools() []connector.ToolDescriptor
	Close() error
}

// OpenFunc opens a session against one server.
type OpenFunc func(ctx context.Context, target connector.Target) (ToolSession, error)

// HeaderSource supplies per-server connection headers. The registry Manager
// satisfies it; its implementation re-checks token freshness on every call,
// so headers fetched here carry a token valid at connect time rather than
// one that was valid when the turn started.
type HeaderSource interface {
	ConnectionHeaders(ctx context.Context, serverID string) (map[string]string, error)
}

// PartialInitializationError reports the servers that failed to initialize.
// It is informational: the turn proceeds with the sessions that succeeded,
// and the caller decides whether to surface the failures.
type PartialInitializationError struct {
	// Failures maps server name to its initialization error.
	Failures map[string]error
}

func (e *PartialInitializationError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("%d server(s) failed to initialize: %s", len(names), strings.Join(parts, "; "))
}

// Manager holds the sessions for one turn. It is single-use: Initialize
// once, then Cleanup once the turn ends. Cleanup is idempotent and closes
// exactly the sessions Initialize opened.
type Manager struct {
	open    OpenFunc
	headers HeaderSource

	mu       sync.Mutex
	sessions map[string]ToolSession
	tools    []connector.ToolDescriptor
	owners   map[string]string

	cleanupOnce sync.Once
	cleanupErr  error
}

// NewManager creates a turn manager. When open is nil, a default connector
// is used.
func NewManager(open OpenFunc, headers HeaderSource) *Manager {
	if open == nil {
		conn := connector.New()
		open = func(ctx context.Context, target connector.Target) (ToolSession, error) {
			return conn.Open(ctx, target)
		}
	}
	return &Manager{
		open:     open,
		headers:  headers,
		sessions: make(map[string]ToolSession),
		owners:   make(map[string]string),
	}
}

type initResult struct {
	session ToolSession
	err     error
}

// Initialize opens sessions to all given servers concurrently and merges
// their tool lists. Every attempt runs to completion: one server failing
// never cancels the others. When some servers fail the successful sessions
// are kept and a *PartialInitializationError describes the rest; it is the
// only error this method returns.
func (m *Manager) Initialize(ctx context.Context, servers []registry.ServerAPI) error {
	results := make([]initResult, len(servers))

	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(i int, server registry.ServerAPI) {
			defer wg.Done()
			results[i] = m.initOne(ctx, server)
		}(i, server)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	failures := make(map[string]error)
	for i, server := range servers {
		res := results[i]
		if res.err != nil {
			failures[server.Name] = res.err
			continue
		}
		m.sessions[server.ID] = res.session
		// Merge in input order: a later server's tool of the same name
		// replaces the earlier one.
		for _, tool := range res.session.Tools() {
			if _, seen := m.owners[tool.Name]; seen {
				for j, existing := range m.tools {
					if existing.Name == tool.Name {
						m.tools[j] = tool
						break
					}
				}
			} else {
				m.tools = append(m.tools, tool)
			}
			m.owners[tool.Name] = server.ID
		}
	}

	logging.Debug("Turn", "Initialized %d/%d sessions (%d tools)", len(m.sessions), len(servers), len(m.tools))

	if len(failures) > 0 {
		return &PartialInitializationError{Failures: failures}
	}
	return nil
}

// initOne opens a session to one server. Headers are fetched fresh here so
// an OAuth token refreshed by a sibling goroutine or expired mid-turn is
// picked up at connect time.
func (m *Manager) initOne(ctx context.Context, server registry.ServerAPI) initResult {
	var headers map[string]string
	if m.headers != nil {
		var err error
		headers, err = m.headers.ConnectionHeaders(ctx, server.ID)
		if err != nil {
			return initResult{err: err}
		}
	}

	session, err := m.open(ctx, connector.Target{
		URL:       server.URL,
		Transport: server.Transport,
		Headers:   headers,
	})
	if err != nil {
		return initResult{err: err}
	}
	return initResult{session: session}
}

// Tools returns the merged tool list across all initialized sessions.
func (m *Manager) Tools() []connector.ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]connector.ToolDescriptor(nil), m.tools...)
}

// Session returns the live session for a server, if one was initialized.
func (m *Manager) Session(serverID string) (ToolSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[serverID]
	return s, ok
}

// Owner returns the server that won a tool name in the merge.
func (m *Manager) Owner(toolName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.owners[toolName]
	return id, ok
}

// Cleanup closes every session Initialize opened. Calling it again is a
// no-op returning the first result, so racing shutdown paths never
// double-close a transport.
func (m *Manager) Cleanup() error {
	m.cleanupOnce.Do(func() {
		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]ToolSession)
		m.tools = nil
		m.owners = make(map[string]string)
		m.mu.Unlock()

		var errs []error
		for id, session := range sessions {
			if err := session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing session %s: %w", id, err))
			}
		}
		m.cleanupErr = errors.Join(errs...)
	})
	return m.cleanupErr
}
