package seeds

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

type staticResolver struct {
	records map[string][]string
	err     error
}

func (r *staticResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.records[name], nil
}

func newAuthority(t *testing.T, domain string) (Authority, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Authority{
		Domain:    domain,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}, priv
}

func TestResolveValidRecord(t *testing.T) {
	authority, priv := newAuthority(t, "mesh.example.org")
	txt, err := EncodeRecord(priv, authority.Domain, "A1B2C3D4E5F60718", "203.0.113.8:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	resolver := &staticResolver{records: map[string][]string{
		"_omniseed.mesh.example.org": {txt},
	}}

	seeds, err := authority.Resolve(context.Background(), time.Now(), resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("expected one seed, got %d", len(seeds))
	}
	seed := seeds[0]
	if seed.PeerID != "a1b2c3d4e5f60718" {
		t.Fatalf("peer id not normalized: %q", seed.PeerID)
	}
	if seed.Address != "203.0.113.8:8765" {
		t.Fatalf("unexpected address %q", seed.Address)
	}
	if seed.Source != "dns:mesh.example.org" {
		t.Fatalf("unexpected source %q", seed.Source)
	}
}

func TestResolveRejectsForgedSignature(t *testing.T) {
	authority, _ := newAuthority(t, "mesh.example.org")
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged, err := EncodeRecord(otherPriv, authority.Domain, "a1b2c3d4e5f60718", "203.0.113.8:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	resolver := &staticResolver{records: map[string][]string{
		"_omniseed.mesh.example.org": {forged},
	}}

	seeds, err := authority.Resolve(context.Background(), time.Now(), resolver)
	if err == nil {
		t.Fatalf("expected verification error")
	}
	if !strings.Contains(err.Error(), "signature verification failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seeds) != 0 {
		t.Fatalf("forged record must not yield seeds")
	}
}

func TestResolveSkipsInactiveRecords(t *testing.T) {
	authority, priv := newAuthority(t, "mesh.example.org")
	now := time.Now()
	expired, err := EncodeRecord(priv, authority.Domain, "a1b2c3d4e5f60718", "203.0.113.8:8765", 0, now.Add(-time.Hour).Unix())
	if err != nil {
		t.Fatalf("encode expired: %v", err)
	}
	notYet, err := EncodeRecord(priv, authority.Domain, "b1b2c3d4e5f60718", "203.0.113.9:8765", now.Add(time.Hour).Unix(), 0)
	if err != nil {
		t.Fatalf("encode future: %v", err)
	}
	live, err := EncodeRecord(priv, authority.Domain, "c1b2c3d4e5f60718", "203.0.113.10:8765", now.Add(-time.Hour).Unix(), now.Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("encode live: %v", err)
	}
	resolver := &staticResolver{records: map[string][]string{
		"_omniseed.mesh.example.org": {expired, notYet, live},
	}}

	seeds, err := authority.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 1 || seeds[0].PeerID != "c1b2c3d4e5f60718" {
		t.Fatalf("expected only the live record, got %+v", seeds)
	}
}

func TestResolveInvalidRecordDoesNotPoisonValid(t *testing.T) {
	authority, priv := newAuthority(t, "mesh.example.org")
	valid, err := EncodeRecord(priv, authority.Domain, "a1b2c3d4e5f60718", "203.0.113.8:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	resolver := &staticResolver{records: map[string][]string{
		"_omniseed.mesh.example.org": {"not-a-seed-record", valid},
	}}

	seeds, err := authority.Resolve(context.Background(), time.Now(), resolver)
	if err == nil {
		t.Fatalf("expected partial failure error")
	}
	if len(seeds) != 1 {
		t.Fatalf("valid record should survive, got %d seeds", len(seeds))
	}
}

func TestResolveCustomLookupName(t *testing.T) {
	authority, priv := newAuthority(t, "mesh.example.org")
	authority.Lookup = "seeds.internal.example.org"
	txt, err := EncodeRecord(priv, authority.Domain, "a1b2c3d4e5f60718", "203.0.113.8:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	resolver := &staticResolver{records: map[string][]string{
		"seeds.internal.example.org": {txt},
	}}

	seeds, err := authority.Resolve(context.Background(), time.Now(), resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("expected one seed via custom lookup, got %d", len(seeds))
	}
}

func TestResolveAllMergesAndDedupes(t *testing.T) {
	first, firstPriv := newAuthority(t, "one.example.org")
	second, secondPriv := newAuthority(t, "two.example.org")

	shared, err := EncodeRecord(firstPriv, first.Domain, "a1b2c3d4e5f60718", "203.0.113.8:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode shared: %v", err)
	}
	sharedAgain, err := EncodeRecord(secondPriv, second.Domain, "a1b2c3d4e5f60718", "203.0.113.8:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode shared again: %v", err)
	}
	unique, err := EncodeRecord(secondPriv, second.Domain, "b1b2c3d4e5f60718", "203.0.113.9:8765", 0, 0)
	if err != nil {
		t.Fatalf("encode unique: %v", err)
	}
	resolver := &staticResolver{records: map[string][]string{
		"_omniseed.one.example.org": {shared},
		"_omniseed.two.example.org": {sharedAgain, unique},
	}}

	seeds, err := ResolveAll(context.Background(), time.Now(), resolver, []Authority{first, second})
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected deduped merge of 2 seeds, got %d", len(seeds))
	}
}

func TestEncodeRecordValidatesInput(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := EncodeRecord(priv, "mesh.example.org", "", "203.0.113.8:8765", 0, 0); err == nil {
		t.Fatalf("expected error for empty peer id")
	}
	if _, err := EncodeRecord(priv, "mesh.example.org", "a1b2c3d4e5f60718", "not-an-addr", 0, 0); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}
