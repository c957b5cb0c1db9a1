package trust

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"omnimesh/mesh"
)

// TrustLevel grades a vouching relationship.
type TrustLevel string

const (
	LevelDirect  TrustLevel = "DIRECT"
	LevelVouched TrustLevel = "VOUCHED"
	LevelNetwork TrustLevel = "NETWORK"
)

// ValidTrustLevel reports whether the value is a known level.
func ValidTrustLevel(level TrustLevel) bool {
	switch level {
	case LevelDirect, LevelVouched, LevelNetwork:
		return true
	default:
		return false
	}
}

// TrustRelationship is a directed vouching edge between two nodes.
type TrustRelationship struct {
	FromNode  string     `json:"from_node"`
	ToNode    string     `json:"to_node"`
	Level     TrustLevel `json:"level"`
	VouchedBy string     `json:"vouched_by,omitempty"`
	IsMutual  bool       `json:"is_mutual"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NetworkView is the answer to "who is this node's trust network",
// bucketed by how the trust was established.
type NetworkView struct {
	Direct  []string `json:"direct"`
	Vouched []string `json:"vouched"`
	Network []string `json:"network"`
}

// Graph stores vouching relationships. Edges are created by Vouch and only
// removed by explicit revocation.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]*TrustRelationship
	// outgoing indexes edge keys by source node for traversal.
	outgoing map[string][]string
	now      func() time.Time
}

// NewGraph builds an empty trust graph.
func NewGraph() *Graph {
	return &Graph{
		edges:    make(map[string]*TrustRelationship),
		outgoing: make(map[string][]string),
		now:      time.Now,
	}
}

func edgeKey(from, to string) string {
	return from + "->" + to
}

// Vouch upserts the directed edge (from, to). Calling it twice never creates
// a duplicate; a second call updates level and note. When the reverse edge
// exists both edges are marked mutual.
func (g *Graph) Vouch(from, to string, level TrustLevel, note string) (*TrustRelationship, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("vouch requires both nodes: %w", mesh.ErrMalformed)
	}
	if from == to {
		return nil, fmt.Errorf("node cannot vouch for itself: %w", mesh.ErrMalformed)
	}
	if !ValidTrustLevel(level) {
		return nil, fmt.Errorf("unknown trust level %q: %w", level, mesh.ErrMalformed)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := edgeKey(from, to)
	edge := g.edges[key]
	if edge == nil {
		edge = &TrustRelationship{
			FromNode:  from,
			ToNode:    to,
			CreatedAt: now,
		}
		g.edges[key] = edge
		g.outgoing[from] = append(g.outgoing[from], key)
	}
	edge.Level = level
	edge.Note = note
	edge.UpdatedAt = now

	if reverse := g.edges[edgeKey(to, from)]; reverse != nil {
		edge.IsMutual = true
		reverse.IsMutual = true
		reverse.UpdatedAt = now
	}

	copied := *edge
	return &copied, nil
}

// Revoke removes the directed edge and clears the mutual flag on the
// surviving reverse edge.
func (g *Graph) Revoke(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := edgeKey(from, to)
	if g.edges[key] == nil {
		return fmt.Errorf("edge %s: %w", key, mesh.ErrNotFound)
	}
	delete(g.edges, key)
	keys := g.outgoing[from]
	for i, k := range keys {
		if k == key {
			g.outgoing[from] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if reverse := g.edges[edgeKey(to, from)]; reverse != nil {
		reverse.IsMutual = false
		reverse.UpdatedAt = g.now()
	}
	return nil
}

// Edge returns the relationship for the ordered pair, if present.
func (g *Graph) Edge(from, to string) (*TrustRelationship, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge := g.edges[edgeKey(from, to)]
	if edge == nil {
		return nil, false
	}
	copied := *edge
	return &copied, true
}

// Edges lists all relationships originating from a node.
func (g *Graph) Edges(from string) []*TrustRelationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := g.outgoing[from]
	out := make([]*TrustRelationship, 0, len(keys))
	for _, key := range keys {
		if edge := g.edges[key]; edge != nil {
			copied := *edge
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToNode < out[j].ToNode })
	return out
}

const maxTraversalDepth = 3

// QueryNetwork walks the graph breadth-first to depth three and buckets
// every reachable node. Depth-one DIRECT edges populate Direct; nodes
// reached via a DIRECT edge followed by a VOUCHED edge, or any depth-one
// VOUCHED edge, populate Vouched; everything else lands in Network. Results
// are deduplicated, a node claims only its strongest bucket, and the origin
// is excluded.
func (g *Graph) QueryNetwork(node string) NetworkView {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		bucketNone = iota
		bucketNetwork
		bucketVouched
		bucketDirect
	)
	buckets := make(map[string]int)

	type hop struct {
		node     string
		depth    int
		firstHop TrustLevel
	}
	visited := map[string]int{node: 0}
	queue := []hop{{node: node, depth: 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth == maxTraversalDepth {
			continue
		}
		for _, key := range g.outgoing[current.node] {
			edge := g.edges[key]
			if edge == nil {
				continue
			}
			next := edge.ToNode
			depth := current.depth + 1

			bucket := bucketNetwork
			switch {
			case depth == 1 && edge.Level == LevelDirect:
				bucket = bucketDirect
			case depth == 1 && edge.Level == LevelVouched:
				bucket = bucketVouched
			case depth == 2 && current.firstHop == LevelDirect && edge.Level == LevelVouched:
				bucket = bucketVouched
			}
			if next != node && bucket > buckets[next] {
				buckets[next] = bucket
			}

			if seen, ok := visited[next]; ok && seen <= depth {
				continue
			}
			visited[next] = depth
			firstHop := current.firstHop
			if depth == 1 {
				firstHop = edge.Level
			}
			queue = append(queue, hop{node: next, depth: depth, firstHop: firstHop})
		}
	}

	view := NetworkView{
		Direct:  []string{},
		Vouched: []string{},
		Network: []string{},
	}
	for id, bucket := range buckets {
		switch bucket {
		case bucketDirect:
			view.Direct = append(view.Direct, id)
		case bucketVouched:
			view.Vouched = append(view.Vouched, id)
		case bucketNetwork:
			view.Network = append(view.Network, id)
		}
	}
	sort.Strings(view.Direct)
	sort.Strings(view.Vouched)
	sort.Strings(view.Network)
	return view
}
