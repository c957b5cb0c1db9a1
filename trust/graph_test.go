package trust

import (
	"errors"
	"reflect"
	"testing"

	"omnimesh/mesh"
)

func TestVouchIsIdempotent(t *testing.T) {
	graph := NewGraph()
	first, err := graph.Vouch("alice", "bob", LevelDirect, "met in person")
	if err != nil {
		t.Fatalf("vouch: %v", err)
	}
	second, err := graph.Vouch("alice", "bob", LevelVouched, "downgraded")
	if err != nil {
		t.Fatalf("vouch again: %v", err)
	}
	if second.Level != LevelVouched || second.Note != "downgraded" {
		t.Fatalf("second vouch should update the edge, got %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("upsert must not reset creation time")
	}
	if edges := graph.Edges("alice"); len(edges) != 1 {
		t.Fatalf("expected one edge after repeated vouch, got %d", len(edges))
	}
}

func TestVouchRejectsSelfAndMalformed(t *testing.T) {
	graph := NewGraph()
	if _, err := graph.Vouch("alice", "alice", LevelDirect, ""); !errors.Is(err, mesh.ErrMalformed) {
		t.Fatalf("self-vouch should be malformed, got %v", err)
	}
	if _, err := graph.Vouch("", "bob", LevelDirect, ""); !errors.Is(err, mesh.ErrMalformed) {
		t.Fatalf("empty source should be malformed, got %v", err)
	}
	if _, err := graph.Vouch("alice", "bob", TrustLevel("BESTIES"), ""); !errors.Is(err, mesh.ErrMalformed) {
		t.Fatalf("unknown level should be malformed, got %v", err)
	}
}

func TestMutualVouchMarksBothEdges(t *testing.T) {
	graph := NewGraph()
	if _, err := graph.Vouch("alice", "bob", LevelDirect, ""); err != nil {
		t.Fatalf("vouch: %v", err)
	}
	edge, ok := graph.Edge("alice", "bob")
	if !ok || edge.IsMutual {
		t.Fatalf("one-way edge must not be mutual: %+v", edge)
	}

	reverse, err := graph.Vouch("bob", "alice", LevelDirect, "")
	if err != nil {
		t.Fatalf("reverse vouch: %v", err)
	}
	if !reverse.IsMutual {
		t.Fatalf("reverse edge should be mutual")
	}
	edge, _ = graph.Edge("alice", "bob")
	if !edge.IsMutual {
		t.Fatalf("original edge should be mutual after the reverse vouch")
	}
}

func TestRevokeClearsMutualFlag(t *testing.T) {
	graph := NewGraph()
	graph.Vouch("alice", "bob", LevelDirect, "")
	graph.Vouch("bob", "alice", LevelDirect, "")

	if err := graph.Revoke("alice", "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok := graph.Edge("alice", "bob"); ok {
		t.Fatalf("revoked edge should be gone")
	}
	reverse, ok := graph.Edge("bob", "alice")
	if !ok {
		t.Fatalf("reverse edge should survive revocation")
	}
	if reverse.IsMutual {
		t.Fatalf("surviving edge must lose its mutual flag")
	}
	if err := graph.Revoke("alice", "bob"); !errors.Is(err, mesh.ErrNotFound) {
		t.Fatalf("revoking a missing edge should be not found, got %v", err)
	}
}

func TestQueryNetworkBuckets(t *testing.T) {
	graph := NewGraph()
	// alice -DIRECT-> bob -VOUCHED-> carol -DIRECT-> dave
	// alice -VOUCHED-> erin
	graph.Vouch("alice", "bob", LevelDirect, "")
	graph.Vouch("bob", "carol", LevelVouched, "")
	graph.Vouch("carol", "dave", LevelDirect, "")
	graph.Vouch("alice", "erin", LevelVouched, "")

	view := graph.QueryNetwork("alice")
	if !reflect.DeepEqual(view.Direct, []string{"bob"}) {
		t.Fatalf("direct bucket: %v", view.Direct)
	}
	if !reflect.DeepEqual(view.Vouched, []string{"carol", "erin"}) {
		t.Fatalf("vouched bucket: %v", view.Vouched)
	}
	if !reflect.DeepEqual(view.Network, []string{"dave"}) {
		t.Fatalf("network bucket: %v", view.Network)
	}
}

func TestQueryNetworkStrongestBucketWins(t *testing.T) {
	graph := NewGraph()
	// carol is reachable both at depth two (vouched path) and at depth one
	// (direct). Direct must win.
	graph.Vouch("alice", "bob", LevelDirect, "")
	graph.Vouch("bob", "carol", LevelVouched, "")
	graph.Vouch("alice", "carol", LevelDirect, "")

	view := graph.QueryNetwork("alice")
	if !reflect.DeepEqual(view.Direct, []string{"bob", "carol"}) {
		t.Fatalf("direct bucket: %v", view.Direct)
	}
	if len(view.Vouched) != 0 {
		t.Fatalf("carol should not also appear vouched: %v", view.Vouched)
	}
}

func TestQueryNetworkDepthLimitAndCycles(t *testing.T) {
	graph := NewGraph()
	// Chain of five; depth cap is three hops. A back-edge closes a cycle.
	graph.Vouch("a", "b", LevelDirect, "")
	graph.Vouch("b", "c", LevelDirect, "")
	graph.Vouch("c", "d", LevelDirect, "")
	graph.Vouch("d", "e", LevelDirect, "")
	graph.Vouch("d", "a", LevelDirect, "")

	view := graph.QueryNetwork("a")
	all := append(append(append([]string{}, view.Direct...), view.Vouched...), view.Network...)
	for _, id := range all {
		if id == "e" {
			t.Fatalf("e is four hops away and must not be reachable: %v", view)
		}
		if id == "a" {
			t.Fatalf("origin must be excluded from its own network: %v", view)
		}
	}
	if !reflect.DeepEqual(view.Network, []string{"c", "d"}) {
		t.Fatalf("network bucket: %v", view.Network)
	}
}

func TestQueryNetworkEmptyGraph(t *testing.T) {
	graph := NewGraph()
	view := graph.QueryNetwork("alice")
	if len(view.Direct)+len(view.Vouched)+len(view.Network) != 0 {
		t.Fatalf("expected empty view, got %+v", view)
	}
	if view.Direct == nil || view.Vouched == nil || view.Network == nil {
		t.Fatalf("buckets must be empty slices, not nil")
	}
}
