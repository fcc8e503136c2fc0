package oauth

import (
	"sync"
	"time"

	"github.com/giantswarm/toolbridge/pkg/logging"
)

// defaultFlowTTL is how long an authorization attempt's state stays valid.
const defaultFlowTTL = 10 * time.Minute

// FlowStore holds the ephemeral state of in-flight authorization attempts,
// keyed by server id: one attempt per server at a time. Entries are
// single-use and expire after a TTL; Take removes the entry whether or not
// the callback ultimately succeeds.
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]*FlowState

	ttl         time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewFlowStore creates a flow store with the default TTL and starts its
// background cleanup goroutine. Call Stop when the store is no longer needed.
func NewFlowStore() *FlowStore {
	return NewFlowStoreWithTTL(defaultFlowTTL)
}

// NewFlowStoreWithTTL creates a flow store with a custom TTL.
func NewFlowStoreWithTTL(ttl time.Duration) *FlowStore {
	fs := &FlowStore{
		flows:       make(map[string]*FlowState),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}
	go fs.cleanupLoop()
	return fs
}

// Put stores the flow state for serverID, replacing any previous attempt.
func (fs *FlowStore) Put(serverID string, flow *FlowState) {
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now()
	}
	fs.mu.Lock()
	fs.flows[serverID] = flow
	fs.mu.Unlock()
}

// Take removes and returns the flow state for serverID. Returns false when
// no attempt is stored or the stored attempt has expired. The entry is gone
// afterwards either way; a flow state can never be consumed twice.
func (fs *FlowStore) Take(serverID string) (*FlowState, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	flow, ok := fs.flows[serverID]
	if !ok {
		return nil, false
	}
	delete(fs.flows, serverID)

	if time.Since(flow.CreatedAt) > fs.ttl {
		logging.Debug("OAuth", "Authorization flow state expired for server=%s age=%v", serverID, time.Since(flow.CreatedAt))
		return nil, false
	}
	return flow, true
}

// Delete removes the flow state for serverID, if any.
func (fs *FlowStore) Delete(serverID string) {
	fs.mu.Lock()
	delete(fs.flows, serverID)
	fs.mu.Unlock()
}

// Stop stops the background cleanup goroutine. Safe to call more than once.
func (fs *FlowStore) Stop() {
	fs.stopOnce.Do(func() { close(fs.stopCleanup) })
}

func (fs *FlowStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.cleanup()
		case <-fs.stopCleanup:
			return
		}
	}
}

func (fs *FlowStore) cleanup() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	count := 0
	for id, flow := range fs.flows {
		if time.Since(flow.CreatedAt) > fs.ttl {
			delete(fs.flows, id)
			count++
		}
	}
	if count > 0 {
		logging.Debug("OAuth", "Cleaned up %d expired authorization flows", count)
	}
}
