package mesh

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"omnimesh/crypto"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *crypto.Identity) {
	t.Helper()
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	return NewAuthenticator(identity, NewReplayGuard(0)), identity
}

func mustCreate(t *testing.T, auth *Authenticator, name string, caps []string) *SignedHandshake {
	t.Helper()
	hs, err := auth.Create(name, caps)
	if err != nil {
		t.Fatalf("create handshake: %v", err)
	}
	return hs
}

func TestHandshakeRoundTrip(t *testing.T) {
	remote, remoteID := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	hs := mustCreate(t, remote, "Friendly Node", []string{"files", "chat"})
	raw, err := json.Marshal(hs)
	if err != nil {
		t.Fatalf("marshal handshake: %v", err)
	}
	verified, err := local.Verify(raw)
	if err != nil {
		t.Fatalf("verify handshake: %v", err)
	}
	if verified.PeerID != remoteID.PeerID {
		t.Fatalf("expected peer ID %s got %s", remoteID.PeerID, verified.PeerID)
	}
	if verified.PeerID != crypto.DerivePeerID(remoteID.PublicKey()) {
		t.Fatalf("peer ID must equal the key-derived identifier")
	}
}

func TestHandshakeCapabilitiesOrderInsensitive(t *testing.T) {
	remote, _ := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	hs := mustCreate(t, remote, "node", []string{"zeta", "alpha", "mid"})
	// Reorder the capability list; the canonical payload sorts, so the
	// signature must still verify.
	hs.Capabilities = []string{"mid", "zeta", "alpha"}
	if err := local.VerifyHandshake(hs); err != nil {
		t.Fatalf("expected reordered capabilities to verify, got %v", err)
	}
}

func TestHandshakeRejectsMissingFields(t *testing.T) {
	local, _ := newTestAuthenticator(t)
	hs := &SignedHandshake{PeerID: "abc", PublicKey: "", Signature: "", Timestamp: ""}
	if err := local.VerifyHandshake(hs); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestHandshakeRejectsShortKey(t *testing.T) {
	remote, _ := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	hs := mustCreate(t, remote, "node", nil)
	hs.PublicKey = base64.StdEncoding.EncodeToString([]byte("short"))
	if err := local.VerifyHandshake(hs); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestHandshakeRejectsClaimedForeignKey(t *testing.T) {
	signer, _ := newTestAuthenticator(t)
	_, otherID := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	// Signed by one key while presenting another node's public key: the
	// identity binding must fail before the signature is even looked at.
	hs := mustCreate(t, signer, "impostor", nil)
	hs.PublicKey = base64.StdEncoding.EncodeToString(otherID.PublicKey())
	if err := local.VerifyHandshake(hs); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
}

func TestHandshakeRejectsTamperedDisplayName(t *testing.T) {
	remote, _ := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	hs := mustCreate(t, remote, "honest name", nil)
	hs.DisplayName = "tampered name"
	if err := local.VerifyHandshake(hs); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	remote, _ := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remote.now = func() time.Time { return base }
	local.now = func() time.Time { return base.Add(301 * time.Second) }

	hs := mustCreate(t, remote, "node", nil)
	if err := local.VerifyHandshake(hs); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// One second inside the window verifies.
	local.now = func() time.Time { return base.Add(299 * time.Second) }
	fresh := mustCreate(t, remote, "node", nil)
	if err := local.VerifyHandshake(fresh); err != nil {
		t.Fatalf("expected handshake inside the window to verify, got %v", err)
	}
}

func TestHandshakeNonceReplay(t *testing.T) {
	remote, _ := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	hs := mustCreate(t, remote, "node", nil)
	if err := local.VerifyHandshake(hs); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := local.VerifyHandshake(hs); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}

	// A fresh nonce over an otherwise identical payload succeeds.
	fresh := mustCreate(t, remote, "node", nil)
	if err := local.VerifyHandshake(fresh); err != nil {
		t.Fatalf("expected fresh nonce to verify, got %v", err)
	}
}

func TestHandshakeReplayConsumedOnlyAfterSignature(t *testing.T) {
	remote, _ := newTestAuthenticator(t)
	local, _ := newTestAuthenticator(t)

	hs := mustCreate(t, remote, "node", nil)
	forged := *hs
	forged.DisplayName = "forged"
	if err := local.VerifyHandshake(&forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected forged copy to fail signature, got %v", err)
	}
	// The attacker's attempt must not have burned the nonce.
	if err := local.VerifyHandshake(hs); err != nil {
		t.Fatalf("expected legitimate handshake to verify after forgery attempt, got %v", err)
	}
}

func TestExchangeOverPipe(t *testing.T) {
	local, _ := newTestAuthenticator(t)
	remote, remoteID := newTestAuthenticator(t)

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	type result struct {
		hs  *SignedHandshake
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		reader := bufio.NewReader(left)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs, err := local.Exchange(ctx, left, reader, "local node", nil)
		resCh <- result{hs, err}
	}()

	reader := bufio.NewReader(right)
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("read local handshake: %v", err)
	}
	theirs := mustCreate(t, remote, "remote node", []string{"files"})
	payload, err := json.Marshal(theirs)
	if err != nil {
		t.Fatalf("marshal remote handshake: %v", err)
	}
	if _, err := right.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write remote handshake: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("exchange: %v", res.err)
	}
	if res.hs.PeerID != remoteID.PeerID {
		t.Fatalf("expected peer %s got %s", remoteID.PeerID, res.hs.PeerID)
	}
}

func TestExchangeRejectsOversizedFrame(t *testing.T) {
	local, _ := newTestAuthenticator(t)
	local.maxFrameBytes = 64

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	errCh := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(left)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := local.Exchange(ctx, left, reader, "local", nil)
		errCh <- err
	}()

	reader := bufio.NewReader(right)
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("read local handshake: %v", err)
	}
	oversized := make([]byte, 256)
	for i := range oversized {
		oversized[i] = 'a'
	}
	if _, err := right.Write(oversized); err != nil {
		t.Fatalf("write oversized frame: %v", err)
	}

	if err := <-errCh; !errors.Is(err, errHandshakeFrameTooLarge) {
		t.Fatalf("expected oversized frame error, got %v", err)
	}
}
