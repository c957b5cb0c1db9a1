package mesh

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// DefaultReplayCapacity bounds the nonce set before eviction kicks in.
const DefaultReplayCapacity = 5000

// ReplayGuard is a bounded, concurrency-safe set of consumed nonces. It is
// the single serialization point for replay protection: for a given nonce,
// concurrent CheckAndRecord calls resolve with exactly one acceptance.
//
// Guards are constructed per mesh session and injected into every verifier
// that needs replay protection, so tests and multi-mesh deployments get
// isolated state.
type ReplayGuard struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int

	metrics *meshMetrics
}

// NewReplayGuard builds a guard with the given capacity. A non-positive
// capacity selects DefaultReplayCapacity.
func NewReplayGuard(capacity int) *ReplayGuard {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	g := &ReplayGuard{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		metrics:  newMeshMetrics(),
	}
	g.metrics.observeReplaySize(0)
	return g
}

// CheckAndRecord atomically tests and consumes a nonce. It returns true when
// the nonce was not previously seen and has now been recorded, false on a
// replay. An empty nonce is accepted without being recorded; that keeps old
// unprotected clients working and new deployments should reject them before
// getting here.
func (g *ReplayGuard) CheckAndRecord(nonce string) bool {
	fingerprint, ok := fingerprintNonce(nonce)
	if !ok {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.entries[fingerprint] != nil {
		return false
	}
	elem := g.order.PushBack(fingerprint)
	g.entries[fingerprint] = elem
	if len(g.entries) > g.capacity {
		g.evictLocked(g.capacity / 2)
	}
	g.metrics.observeReplaySize(len(g.entries))
	return true
}

// evictLocked removes the n oldest entries in insertion order. Eviction is
// deterministic: the list front is always the earliest surviving insertion.
func (g *ReplayGuard) evictLocked(n int) {
	evicted := 0
	for i := 0; i < n; i++ {
		elem := g.order.Front()
		if elem == nil {
			break
		}
		key, _ := elem.Value.(string)
		g.order.Remove(elem)
		delete(g.entries, key)
		evicted++
	}
	g.metrics.observeReplayEvicted(evicted)
}

// Size reports the number of recorded nonces.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// SetCapacity adjusts the bound, evicting oldest entries if the new bound is
// already exceeded.
func (g *ReplayGuard) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	g.mu.Lock()
	g.capacity = capacity
	if over := len(g.entries) - capacity; over > 0 {
		g.evictLocked(over + capacity/2)
	}
	g.metrics.observeReplaySize(len(g.entries))
	g.mu.Unlock()
}

// fingerprintNonce hashes the nonce so the guard stores fixed-size keys
// regardless of what peers send. The second return is false for empty
// nonces, which are not tracked.
func fingerprintNonce(nonce string) (string, bool) {
	trimmed := strings.TrimSpace(nonce)
	if trimmed == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]), true
}
