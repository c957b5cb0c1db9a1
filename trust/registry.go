package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"

	"omnimesh/mesh"
)

const registrationSkewAllowance = 5 * time.Minute

// Registry verifies and records node registrations. It applies the same
// six-step signature discipline as the handshake path, against the
// registration canonical payload, and persists accepted nodes in LevelDB.
type Registry struct {
	mu sync.RWMutex

	db    *leveldb.DB
	byID  map[string]*TrustNode
	byKey map[string]*TrustNode

	guard *mesh.ReplayGuard
	now   func() time.Time
}

// NewRegistry opens (or creates) a registry backed by LevelDB at the given
// path. The replay guard is shared with the handshake authenticator when
// both protect the same mesh session.
func NewRegistry(path string, guard *mesh.ReplayGuard) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path required")
	}
	if guard == nil {
		guard = mesh.NewReplayGuard(0)
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	reg := &Registry{
		db:    db,
		byID:  make(map[string]*TrustNode),
		byKey: make(map[string]*TrustNode),
		guard: guard,
		now:   time.Now,
	}
	if err := reg.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return reg, nil
}

// Close flushes and closes the underlying database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	r.byID = nil
	r.byKey = nil
	return err
}

// registrationPayload builds the canonical signed byte string.
func registrationPayload(req *RegisterNodeRequest) []byte {
	return []byte(strings.Join([]string{
		req.Nonce,
		req.Timestamp,
		req.PublicKey,
		req.PublicName,
		string(req.Type),
	}, "|"))
}

// Register verifies a signed registration and stores the resulting node.
// Verification is all-or-nothing; nothing is persisted on any failure.
func (r *Registry) Register(req *RegisterNodeRequest) (*TrustNode, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request: %w", mesh.ErrMalformed)
	}

	// 1. Required fields.
	if strings.TrimSpace(req.PublicKey) == "" || strings.TrimSpace(req.Signature) == "" || strings.TrimSpace(req.Timestamp) == "" {
		mesh.RecordRegistration("malformed")
		return nil, fmt.Errorf("registration missing required fields: %w", mesh.ErrMalformed)
	}
	if strings.TrimSpace(req.PublicName) == "" || !ValidNodeType(req.Type) {
		mesh.RecordRegistration("malformed")
		return nil, fmt.Errorf("registration missing name or type: %w", mesh.ErrMalformed)
	}

	// 2. Key shape.
	pubBytes, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		mesh.RecordRegistration("invalid_key")
		return nil, fmt.Errorf("decode public key: %w", mesh.ErrInvalidKey)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		mesh.RecordRegistration("invalid_key")
		return nil, fmt.Errorf("public key has %d bytes: %w", len(pubBytes), mesh.ErrInvalidKey)
	}

	// 3. Duplicate identity. Registration has no claimed peer ID to cross
	// check, so the binding check here is uniqueness of the key itself.
	r.mu.RLock()
	_, exists := r.byKey[req.PublicKey]
	r.mu.RUnlock()
	if exists {
		mesh.RecordRegistration("identity_mismatch")
		return nil, fmt.Errorf("public key already registered: %w", mesh.ErrIdentityMismatch)
	}

	// 4. Freshness.
	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		mesh.RecordRegistration("malformed")
		return nil, fmt.Errorf("parse timestamp: %w", mesh.ErrMalformed)
	}
	now := r.now()
	if now.Sub(ts) > registrationSkewAllowance || ts.Sub(now) > registrationSkewAllowance {
		mesh.RecordRegistration("expired")
		return nil, fmt.Errorf("timestamp skew exceeds %s: %w", registrationSkewAllowance, mesh.ErrExpired)
	}

	// 5. Signature over the canonical payload.
	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		mesh.RecordRegistration("bad_signature")
		return nil, fmt.Errorf("decode signature: %w", mesh.ErrBadSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), registrationPayload(req), sigBytes) {
		mesh.RecordRegistration("bad_signature")
		return nil, fmt.Errorf("signature does not verify: %w", mesh.ErrBadSignature)
	}

	// 6. Replay, only after the signature checks out.
	if !r.guard.CheckAndRecord(req.Nonce) {
		mesh.RecordRegistration("replay")
		return nil, fmt.Errorf("nonce already consumed: %w", mesh.ErrReplay)
	}

	node := &TrustNode{
		NodeID:      uuid.NewString(),
		PublicKey:   req.PublicKey,
		PublicName:  req.PublicName,
		Alias:       req.Alias,
		Bio:         req.Bio,
		Location:    req.Location,
		DisplayMode: req.DisplayMode,
		Type:        req.Type,
		CreatedAt:   now,
		LastSeen:    now,
	}
	if node.DisplayMode == "" {
		node.DisplayMode = DisplayPeacetime
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Recheck under the write lock: a concurrent registration with the same
	// key may have landed between step 3 and here.
	if _, exists := r.byKey[node.PublicKey]; exists {
		mesh.RecordRegistration("identity_mismatch")
		return nil, fmt.Errorf("public key already registered: %w", mesh.ErrIdentityMismatch)
	}
	if err := r.persistLocked(node); err != nil {
		mesh.RecordRegistration("storage")
		return nil, err
	}
	stored := *node
	r.byID[node.NodeID] = &stored
	r.byKey[node.PublicKey] = &stored
	mesh.RecordRegistration("ok")
	return node, nil
}

// Get returns a node by its opaque identifier.
func (r *Registry) Get(nodeID string) (*TrustNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node := r.byID[nodeID]
	if node == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, mesh.ErrNotFound)
	}
	copied := *node
	return &copied, nil
}

// GetByPublicKey bridges the key-derived session identity to the directory
// record, if the peer registered.
func (r *Registry) GetByPublicKey(publicKeyB64 string) (*TrustNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node := r.byKey[publicKeyB64]
	if node == nil {
		return nil, fmt.Errorf("public key: %w", mesh.ErrNotFound)
	}
	copied := *node
	return &copied, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type    NodeType
	HubOnly bool
}

// List returns nodes matching the filter, ordered by creation time.
func (r *Registry) List(filter Filter) []*TrustNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TrustNode, 0, len(r.byID))
	for _, node := range r.byID {
		if filter.Type != "" && node.Type != filter.Type {
			continue
		}
		if filter.HubOnly && !node.IsHub {
			continue
		}
		copied := *node
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Touch updates the liveness timestamp for a node.
func (r *Registry) Touch(nodeID string, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.byID[nodeID]
	if node == nil {
		return fmt.Errorf("node %s: %w", nodeID, mesh.ErrNotFound)
	}
	if seenAt.IsZero() {
		seenAt = r.now()
	}
	node.LastSeen = seenAt
	return r.persistLocked(node)
}

// SetHub flags a node as a hub coordinator.
func (r *Registry) SetHub(nodeID string, isHub bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.byID[nodeID]
	if node == nil {
		return fmt.Errorf("node %s: %w", nodeID, mesh.ErrNotFound)
	}
	node.IsHub = isHub
	return r.persistLocked(node)
}

func (r *Registry) persistLocked(node *TrustNode) error {
	if r.db == nil {
		return fmt.Errorf("registry closed: %w", mesh.ErrStorage)
	}
	blob, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node: %w", mesh.ErrStorage)
	}
	if err := r.db.Put([]byte("node:"+node.NodeID), blob, nil); err != nil {
		return fmt.Errorf("persist node: %w", mesh.ErrStorage)
	}
	return nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	iter := r.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < 5 || key[:5] != "node:" {
			continue
		}
		var node TrustNode
		if err := json.Unmarshal(iter.Value(), &node); err != nil {
			return fmt.Errorf("decode node %s: %w", key, err)
		}
		stored := node
		r.byID[node.NodeID] = &stored
		r.byKey[node.PublicKey] = &stored
	}
	return iter.Error()
}
