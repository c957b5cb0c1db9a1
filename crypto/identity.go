package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PeerIDLength is the number of hex characters in a key-derived peer ID.
const PeerIDLength = 16

// Signer is the capability-limited interface exposed to the rest of the
// application. Implementations never reveal the private key.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Identity encapsulates the persistent node identity material used by the mesh.
type Identity struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	PeerID string
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// Sign signs the payload with the node's Ed25519 key.
func (id *Identity) Sign(payload []byte) ([]byte, error) {
	if id == nil || len(id.priv) != ed25519.PrivateKeySize {
		return nil, errors.New("identity key not initialised")
	}
	return ed25519.Sign(id.priv, payload), nil
}

// PublicKey returns the node's Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	if id == nil {
		return nil
	}
	out := make(ed25519.PublicKey, len(id.pub))
	copy(out, id.pub)
	return out
}

// DerivePeerID computes the key-bound peer identifier: the first 16 hex
// characters of SHA-256 over the raw public key. An identifier derived this
// way cannot be claimed without possession of the matching private key.
func DerivePeerID(pub ed25519.PublicKey) string {
	if len(pub) != ed25519.PublicKeySize {
		return ""
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:PeerIDLength]
}

// ShortPeerID truncates a peer identifier for log lines. Full identifiers are
// fine to log, but call sites prefer the short form to keep lines compact and
// consistent with redaction rules.
func ShortPeerID(peerID string) string {
	trimmed := strings.TrimSpace(peerID)
	if len(trimmed) <= 8 {
		return trimmed
	}
	return trimmed[:8]
}

// NewIdentity generates a fresh Ed25519 identity without persisting it.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{priv: priv, pub: pub, PeerID: DerivePeerID(pub)}, nil
}

// IdentityFromSeed builds an identity from a 32-byte Ed25519 seed. Used by
// tests and by callers importing key material from elsewhere.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{priv: priv, pub: pub, PeerID: DerivePeerID(pub)}, nil
}

// LoadOrCreateIdentity reads an Ed25519 seed from disk, generating one if
// absent. The file holds JSON with the hex-encoded seed and is written with
// owner-only permissions.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	identity, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	encoded := identityDisk{PrivateKey: hex.EncodeToString(identity.priv.Seed())}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return identity, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("identity file empty")
	}
	// Accept both raw hex and JSON for forwards compatibility.
	encodedSeed := trimmed
	if trimmed[0] == '{' {
		var stored identityDisk
		if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
			return nil, fmt.Errorf("decode identity JSON: %w", err)
		}
		encodedSeed = strings.TrimSpace(stored.PrivateKey)
	}
	seed, err := hex.DecodeString(encodedSeed)
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	identity, err := IdentityFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return identity, nil
}
