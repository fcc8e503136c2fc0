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

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/toolbridge/pkg/logging"
)

const (
	// wellKnownPath is the RFC 8414 authorization server metadata path.
	wellKnownPath = "/.well-known/oauth-authorization-server"

	// maxMetadataSize bounds metadata documents at 1MB.
	maxMetadataSize = 1024 * 1024

	// metadataRequestTimeout bounds a single metadata fetch.
	metadataRequestTimeout = 10 * time.Second
)

// Resolver discovers authorization server metadata from a tool server's
// origin. Resolved documents may be cached for a configurable TTL; with a
// zero TTL every Discover call re-fetches, which tolerates authorization
// servers that rotate endpoints between flows.
type Resolver struct {
	httpClient *http.Client
	cacheTTL   time.Duration

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry
	group singleflight.Group
}

type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL sets the metadata cache TTL. Zero (the default) disables
// caching entirely.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.cacheTTL = ttl }
}

// WithHTTPClient replaces the HTTP client used for metadata fetches.
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

// NewResolver creates a metadata resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: metadataRequestTimeout},
		cache:      make(map[string]*metadataCacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover fetches and validates the authorization server metadata for the
// given tool server URL. The well-known document is resolved relative to the
// server's origin. A *DiscoveryError is returned when the request fails,
// returns a non-success status, or the document is missing any of the
// authorization, token, or registration endpoints. No retries happen at
// this layer.
func (r *Resolver) Discover(ctx context.Context, serverURL string) (*Metadata, error) {
	origin, err := serverOrigin(serverURL)
	if err != nil {
		return nil, &DiscoveryError{URL: serverURL, Reason: err.Error()}
	}

	if r.cacheTTL > 0 {
		r.mu.RLock()
		entry, ok := r.cache[origin]
		r.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < r.cacheTTL {
			return entry.metadata, nil
		}
	}

	// Deduplicate concurrent fetches for the same origin.
	result, err, _ := r.group.Do(origin, func() (interface{}, error) {
		if r.cacheTTL > 0 {
			r.mu.RLock()
			entry, ok := r.cache[origin]
			r.mu.RUnlock()
			if ok && time.Since(entry.fetchedAt) < r.cacheTTL {
				return entry.metadata, nil
			}
		}
		return r.fetch(ctx, origin)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Metadata), nil
}

// Invalidate drops any cached metadata for the given server URL.
func (r *Resolver) Invalidate(serverURL string) {
	origin, err := serverOrigin(serverURL)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, origin)
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, origin string) (*Metadata, error) {
	metadataURL := origin + wellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DiscoveryError{URL: metadataURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Err: fmt.Errorf("reading response: %w", err)}
	}
	if int64(len(body)) >= maxMetadataSize {
		return nil, &DiscoveryError{URL: metadataURL, Reason: "metadata document exceeds maximum size"}
	}

	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Err: fmt.Errorf("parsing metadata: %w", err)}
	}

	if err := validateMetadata(&md); err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Reason: err.Error()}
	}

	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[origin] = &metadataCacheEntry{metadata: &md, fetchedAt: time.Now()}
		r.mu.Unlock()
	}

	logging.Debug("OAuth", "Discovered AS metadata from %s (auth=%s, token=%s)",
		metadataURL, md.AuthorizationEndpoint, md.TokenEndpoint)

	return &md, nil
}

// validateMetadata checks the fields toolbridge cannot work without.
// The revocation endpoint is optional per RFC 7009.
func validateMetadata(md *Metadata) error {
	missing := []string{}
	if md.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if md.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if md.RegistrationEndpoint == "" {
		missing = append(missing, "registration_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("metadata missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// serverOrigin reduces a tool server URL to its scheme://host origin.
func serverOrigin(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server URL must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), nil
}
