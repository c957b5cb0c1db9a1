package mesh

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"omnimesh/crypto"
)

const (
	handshakeSkewAllowance = 5 * time.Minute
	handshakeNonceSize     = 16
	defaultMaxFrameBytes   = 64 * 1024
)

var errHandshakeFrameTooLarge = errors.New("mesh: handshake frame too large")

// SignedHandshake is the wire message exchanged when two peers authenticate.
// PeerID is never taken at face value: verification recomputes it from the
// public key, so identity stays bound to key possession.
type SignedHandshake struct {
	PeerID       string   `json:"peer_id"`
	PublicKey    string   `json:"public_key"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities"`
	Timestamp    string   `json:"timestamp"`
	Nonce        string   `json:"nonce"`
	Signature    string   `json:"signature"`
}

// canonicalHandshakePayload builds the exact byte string that gets signed.
// Capabilities are sorted so the payload is stable regardless of the order
// the caller supplied them in.
func canonicalHandshakePayload(nonce, timestamp, publicKeyB64, peerID, displayName string, capabilities []string) []byte {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)
	payload := strings.Join([]string{
		nonce,
		timestamp,
		publicKeyB64,
		peerID,
		displayName,
		strings.Join(caps, ","),
	}, "|")
	return []byte(payload)
}

// Authenticator builds and verifies signed, replay-protected handshakes. The
// replay guard is injected so every mesh session (and every test) owns its
// replay state.
type Authenticator struct {
	signer        crypto.Signer
	guard         *ReplayGuard
	skewAllowance time.Duration
	maxFrameBytes int
	now           func() time.Time

	metrics *meshMetrics
}

// NewAuthenticator wires a signer and a replay guard into an authenticator
// with default skew and frame limits.
func NewAuthenticator(signer crypto.Signer, guard *ReplayGuard) *Authenticator {
	if guard == nil {
		guard = NewReplayGuard(0)
	}
	return &Authenticator{
		signer:        signer,
		guard:         guard,
		skewAllowance: handshakeSkewAllowance,
		maxFrameBytes: defaultMaxFrameBytes,
		now:           time.Now,
	}
}

// Create builds a handshake for the local identity, signing the canonical
// payload and consuming the fresh nonce locally so a reflected copy of our
// own handshake is rejected as a replay.
func (a *Authenticator) Create(displayName string, capabilities []string) (*SignedHandshake, error) {
	if a.signer == nil {
		return nil, fmt.Errorf("authenticator has no signer")
	}
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	pub := a.signer.PublicKey()
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signer public key has %d bytes", len(pub))
	}
	hs := &SignedHandshake{
		PeerID:       crypto.DerivePeerID(pub),
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		DisplayName:  displayName,
		Capabilities: append([]string(nil), capabilities...),
		Timestamp:    a.now().UTC().Format(time.RFC3339),
		Nonce:        hex.EncodeToString(nonce),
	}

	payload := canonicalHandshakePayload(hs.Nonce, hs.Timestamp, hs.PublicKey, hs.PeerID, hs.DisplayName, hs.Capabilities)
	sig, err := a.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	hs.Signature = base64.StdEncoding.EncodeToString(sig)

	if !a.guard.CheckAndRecord(hs.Nonce) {
		return nil, fmt.Errorf("nonce collision detected")
	}
	return hs, nil
}

// Verify decodes and checks a raw handshake message. The check order is a
// correctness requirement: the nonce is consumed only after the signature
// verifies, so an attacker without the private key cannot burn a legitimate
// peer's nonce.
func (a *Authenticator) Verify(raw []byte) (*SignedHandshake, error) {
	var hs SignedHandshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		a.metricsRef().recordHandshake("malformed")
		return nil, fmt.Errorf("decode handshake: %w", ErrMalformed)
	}
	if err := a.VerifyHandshake(&hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// VerifyHandshake applies the six verification steps to a decoded message.
func (a *Authenticator) VerifyHandshake(hs *SignedHandshake) error {
	metrics := a.metricsRef()
	if hs == nil {
		metrics.recordHandshake("malformed")
		return fmt.Errorf("nil handshake: %w", ErrMalformed)
	}

	// 1. Required fields.
	if strings.TrimSpace(hs.PublicKey) == "" || strings.TrimSpace(hs.Signature) == "" || strings.TrimSpace(hs.Timestamp) == "" {
		metrics.recordHandshake("malformed")
		return fmt.Errorf("handshake missing required fields: %w", ErrMalformed)
	}

	// 2. Key shape.
	pubBytes, err := base64.StdEncoding.DecodeString(hs.PublicKey)
	if err != nil {
		metrics.recordHandshake("invalid_key")
		return fmt.Errorf("decode public key: %w", ErrInvalidKey)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		metrics.recordHandshake("invalid_key")
		return fmt.Errorf("public key has %d bytes: %w", len(pubBytes), ErrInvalidKey)
	}

	// 3. Identity binding. The claimed peer ID must match the one derived
	// from the key before anything else is trusted.
	expectedPeerID := crypto.DerivePeerID(pubBytes)
	if hs.PeerID != expectedPeerID {
		metrics.recordHandshake("identity_mismatch")
		return fmt.Errorf("claimed peer %s: %w", crypto.ShortPeerID(hs.PeerID), ErrIdentityMismatch)
	}

	// 4. Freshness.
	ts, err := time.Parse(time.RFC3339, hs.Timestamp)
	if err != nil {
		metrics.recordHandshake("malformed")
		return fmt.Errorf("parse timestamp: %w", ErrMalformed)
	}
	now := a.now()
	if now.Sub(ts) > a.skewAllowance || ts.Sub(now) > a.skewAllowance {
		metrics.recordHandshake("expired")
		return fmt.Errorf("timestamp skew exceeds %s: %w", a.skewAllowance, ErrExpired)
	}

	// 5. Signature over the canonical payload.
	sigBytes, err := base64.StdEncoding.DecodeString(hs.Signature)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		metrics.recordHandshake("bad_signature")
		return fmt.Errorf("decode signature: %w", ErrBadSignature)
	}
	payload := canonicalHandshakePayload(hs.Nonce, hs.Timestamp, hs.PublicKey, hs.PeerID, hs.DisplayName, hs.Capabilities)
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), payload, sigBytes) {
		metrics.recordHandshake("bad_signature")
		return fmt.Errorf("signature does not verify: %w", ErrBadSignature)
	}

	// 6. Replay. Only consumed after the signature checks out.
	if !a.guard.CheckAndRecord(hs.Nonce) {
		metrics.recordHandshake("replay")
		return fmt.Errorf("nonce already consumed: %w", ErrReplay)
	}

	metrics.recordHandshake("ok")
	return nil
}

// Exchange runs a full handshake over an established connection: send ours,
// read theirs, verify theirs. Deadlines come from the context.
func (a *Authenticator) Exchange(ctx context.Context, conn net.Conn, reader *bufio.Reader, displayName string, capabilities []string) (*SignedHandshake, error) {
	local, err := a.Create(displayName, capabilities)
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader, a.maxFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty handshake from peer")
	}
	remote, err := a.Verify(payload)
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func (a *Authenticator) metricsRef() *meshMetrics {
	if a.metrics == nil {
		a.metrics = newMeshMetrics()
	}
	return a.metrics
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFrameBytes
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	var buf []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			return nil, err
		}
		if b == '\n' {
			break
		}
		buf = append(buf, b)
		if len(buf) > maxBytes {
			return nil, errHandshakeFrameTooLarge
		}
	}
	return bytes.TrimSpace(buf), nil
}
