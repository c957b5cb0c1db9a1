// Package seeds resolves signed bootstrap records published as DNS TXT
// entries. LAN discovery needs no coordinator, but a node joining from a
// different network has nothing to browse; a seed authority publishes
// Ed25519-signed peer records under a well-known DNS name so out-of-band
// bootstrap stays verifiable.
package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	recordPrefix        = "omniseed:v1:"
	defaultLookupPrefix = "_omniseed."
)

// Authority is a DNS zone allowed to publish seed records, paired with the
// Ed25519 key the records must verify against.
type Authority struct {
	Domain    string `json:"domain"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
}

// Seed is one validated bootstrap peer.
type Seed struct {
	PeerID    string
	Address   string
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed is live at the supplied time.
func (s Seed) Active(now time.Time) bool {
	if s.NotBefore > 0 && now.Unix() < s.NotBefore {
		return false
	}
	if s.NotAfter > 0 && now.Unix() > s.NotAfter {
		return false
	}
	return true
}

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type record struct {
	PeerID    string `json:"peerId"`
	Address   string `json:"address"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func (a Authority) decodePublicKey() (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(a.PublicKey)
	if trimmed == "" {
		return nil, errors.New("authority publicKey must not be empty")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("publicKey must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(keyBytes), nil
}

func (a Authority) lookupName() string {
	if name := strings.TrimSpace(a.Lookup); name != "" {
		return name
	}
	return defaultLookupPrefix + strings.TrimSpace(a.Domain)
}

// Resolve queries one authority and returns its currently valid seeds.
// Invalid records are collected as errors but never poison valid ones.
func (a Authority) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]Seed, error) {
	if resolver == nil {
		resolver = DefaultResolver()
	}
	pub, err := a.decodePublicKey()
	if err != nil {
		return nil, err
	}
	name := a.lookupName()
	txtRecords, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}

	var (
		seeds []Seed
		errs  []error
	)
	for _, txt := range txtRecords {
		seed, err := a.parseTXT(txt, pub)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if !seed.Active(now) {
			continue
		}
		seeds = append(seeds, seed)
	}
	seeds = dedupe(seeds)
	if len(errs) > 0 {
		return seeds, errors.Join(errs...)
	}
	return seeds, nil
}

// ResolveAll merges the seeds of several authorities. Partial failures are
// reported alongside whatever resolved.
func ResolveAll(ctx context.Context, now time.Time, resolver Resolver, authorities []Authority) ([]Seed, error) {
	var (
		seeds []Seed
		errs  []error
	)
	for _, authority := range authorities {
		resolved, err := authority.Resolve(ctx, now, resolver)
		seeds = append(seeds, resolved...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	seeds = dedupe(seeds)
	if len(errs) > 0 {
		return seeds, errors.Join(errs...)
	}
	return seeds, nil
}

func (a Authority) parseTXT(txt string, pub ed25519.PublicKey) (Seed, error) {
	trimmed := strings.TrimSpace(txt)
	if trimmed == "" {
		return Seed{}, errors.New("empty TXT record")
	}
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return Seed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, recordPrefix))
	if err != nil {
		return Seed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var entry record
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Seed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}

	peerID := strings.ToLower(strings.TrimSpace(entry.PeerID))
	if peerID == "" {
		return Seed{}, errors.New("peerId must not be empty")
	}
	addr := strings.TrimSpace(entry.Address)
	if addr == "" {
		return Seed{}, errors.New("address must not be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Seed{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(entry.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Seed{}, errors.New("invalid signature encoding")
	}
	message := signingMessage(peerID, addr, entry.NotBefore, entry.NotAfter, a.Domain)
	if !ed25519.Verify(pub, message, sig) {
		return Seed{}, errors.New("signature verification failed")
	}
	return Seed{
		PeerID:    peerID,
		Address:   addr,
		Source:    "dns:" + strings.ToLower(strings.TrimSpace(a.Domain)),
		NotBefore: entry.NotBefore,
		NotAfter:  entry.NotAfter,
	}, nil
}

// EncodeRecord signs and encodes a seed record for publication. The inverse
// of parseTXT; used by authority tooling and tests.
func EncodeRecord(priv ed25519.PrivateKey, domain, peerID, addr string, notBefore, notAfter int64) (string, error) {
	peerID = strings.ToLower(strings.TrimSpace(peerID))
	addr = strings.TrimSpace(addr)
	if peerID == "" || addr == "" {
		return "", errors.New("peerId and address are required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	sig := ed25519.Sign(priv, signingMessage(peerID, addr, notBefore, notAfter, domain))
	entry := record{
		PeerID:    peerID,
		Address:   addr,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

func signingMessage(peerID, addr string, notBefore, notAfter int64, domain string) []byte {
	normalizedDomain := strings.ToLower(strings.TrimSpace(domain))
	builder := strings.Builder{}
	builder.Grow(len(peerID) + len(addr) + len(normalizedDomain) + 40)
	builder.WriteString(peerID)
	builder.WriteString("\n")
	builder.WriteString(addr)
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("%d\n%d\n", notBefore, notAfter))
	builder.WriteString(normalizedDomain)
	return []byte(builder.String())
}

func dedupe(in []Seed) []Seed {
	if len(in) <= 1 {
		return append([]Seed(nil), in...)
	}
	seen := make(map[string]struct{}, len(in))
	result := make([]Seed, 0, len(in))
	for _, seed := range in {
		key := seed.PeerID + "@" + seed.Address
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, seed)
	}
	return result
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if n == nil || n.resolver == nil {
		return net.DefaultResolver.LookupTXT(ctx, name)
	}
	return n.resolver.LookupTXT(ctx, name)
}

// DefaultResolver returns a resolver backed by the runtime's DNS client.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}
