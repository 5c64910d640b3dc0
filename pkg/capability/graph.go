package capability

import (
	"context"
	"math"
	"sort"
	"sync"
)

// GraphNode is a node with an optional embedding vector.
type GraphNode struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Vector     []float32              `json:"vector,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// GraphEdge is a directed, labeled edge between nodes.
type GraphEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// VectorMatch is one similarity search hit.
type VectorMatch struct {
	Node       GraphNode `json:"node"`
	Similarity float64   `json:"similarity"`
}

// VectorBackend performs similarity search over a collection. Switching
// backends is a configuration change, never a business-logic change.
type VectorBackend interface {
	VectorSearch(ctx context.Context, collection string, vec []float32, filter Filter, k int, minSim float64) ([]VectorMatch, error)
}

// GraphStore stores nodes and edges and doubles as the default
// VectorBackend using cosine similarity (L2 fallback for zero vectors).
type GraphStore interface {
	VectorBackend

	UpsertNode(ctx context.Context, node GraphNode) error
	GetNode(ctx context.Context, collection, id string) (GraphNode, error)
	DeleteNode(ctx context.Context, collection, id string) error
	AddEdge(ctx context.Context, edge GraphEdge) error
	Neighbors(ctx context.Context, nodeID, label string) ([]string, error)
}

// MemoryGraphStore is the reference GraphStore with exact brute-force
// similarity search.
type MemoryGraphStore struct {
	mu    sync.RWMutex
	nodes map[string]map[string]GraphNode // collection -> id -> node
	edges map[string][]GraphEdge          // from -> edges
}

// NewMemoryGraphStore creates an empty in-memory graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		nodes: make(map[string]map[string]GraphNode),
		edges: make(map[string][]GraphEdge),
	}
}

func (g *MemoryGraphStore) UpsertNode(ctx context.Context, node GraphNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	coll := g.nodes[node.Collection]
	if coll == nil {
		coll = make(map[string]GraphNode)
		g.nodes[node.Collection] = coll
	}
	coll[node.ID] = node
	return nil
}

func (g *MemoryGraphStore) GetNode(ctx context.Context, collection, id string) (GraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[collection][id]
	if !ok {
		return GraphNode{}, ErrNotFound
	}
	return node, nil
}

func (g *MemoryGraphStore) DeleteNode(ctx context.Context, collection, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes[collection], id)
	return nil
}

func (g *MemoryGraphStore) AddEdge(ctx context.Context, edge GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

func (g *MemoryGraphStore) Neighbors(ctx context.Context, nodeID, label string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, edge := range g.edges[nodeID] {
		if label == "" || edge.Label == label {
			out = append(out, edge.To)
		}
	}
	return out, nil
}

func (g *MemoryGraphStore) VectorSearch(ctx context.Context, collection string, vec []float32, filter Filter, k int, minSim float64) ([]VectorMatch, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var matches []VectorMatch
	for _, node := range g.nodes[collection] {
		if len(node.Vector) == 0 {
			continue
		}
		if !matchesFilter(node.Properties, filter) {
			continue
		}
		sim := cosineSimilarity(vec, node.Vector)
		if sim < minSim {
			continue
		}
		matches = append(matches, VectorMatch{Node: node, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Node.ID < matches[j].Node.ID // stable tie-break
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		// L2 fallback mapped into [0,1] so zero vectors still rank.
		var dist float64
		for i := 0; i < n; i++ {
			d := float64(a[i]) - float64(b[i])
			dist += d * d
		}
		return 1.0 / (1.0 + math.Sqrt(dist))
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
