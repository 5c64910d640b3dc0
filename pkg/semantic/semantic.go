// Package semantic stores embeddings and their derivation links on top of
// the graph capability. Every read and search is tenant-scoped; the vector
// backend is pluggable behind capability.VectorBackend.
package semantic

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/fabric/pkg/capability"
)

// ErrNotFound is returned when an embedding does not exist in the tenant's
// scope.
var ErrNotFound = errors.New("embedding not found")

const (
	collectionEmbeddings = "embeddings"
	edgeDerivedFrom      = "derived_from"
)

// Embedding is one stored vector with its provenance.
type Embedding struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	SourceFileID string                 `json:"source_file_id,omitempty"`
	RecordID     string                 `json:"record_id,omitempty"`
	Vector       []float32              `json:"vector"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Match is one similarity hit.
type Match struct {
	Embedding  Embedding `json:"embedding"`
	Similarity float64   `json:"similarity"`
}

// Store is the tenant-scoped embedding surface.
type Store struct {
	graph capability.GraphStore
}

// NewStore wraps a graph store.
func NewStore(graph capability.GraphStore) *Store {
	return &Store{graph: graph}
}

// Upsert stores or replaces an embedding.
func (s *Store) Upsert(ctx context.Context, emb Embedding) error {
	if emb.ID == "" || emb.TenantID == "" {
		return fmt.Errorf("embedding id and tenant id required")
	}
	props := map[string]interface{}{
		"tenant_id": emb.TenantID,
	}
	if emb.SourceFileID != "" {
		props["source_file_id"] = emb.SourceFileID
	}
	if emb.RecordID != "" {
		props["record_id"] = emb.RecordID
	}
	for k, v := range emb.Metadata {
		props["meta_"+k] = v
	}
	err := s.graph.UpsertNode(ctx, capability.GraphNode{
		ID:         emb.ID,
		Collection: collectionEmbeddings,
		Vector:     emb.Vector,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("embedding upsert failed: %w", err)
	}
	return nil
}

// Get returns an embedding by id within a tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (Embedding, error) {
	node, err := s.graph.GetNode(ctx, collectionEmbeddings, id)
	if errors.Is(err, capability.ErrNotFound) {
		return Embedding{}, ErrNotFound
	}
	if err != nil {
		return Embedding{}, fmt.Errorf("embedding get failed: %w", err)
	}
	emb := fromNode(node)
	if emb.TenantID != tenantID {
		return Embedding{}, ErrNotFound
	}
	return emb, nil
}

// Delete removes an embedding. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	node, err := s.graph.GetNode(ctx, collectionEmbeddings, id)
	if errors.Is(err, capability.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("embedding delete failed: %w", err)
	}
	if tid, _ := node.Properties["tenant_id"].(string); tid != tenantID {
		return nil
	}
	return s.graph.DeleteNode(ctx, collectionEmbeddings, id)
}

// LinkDerivation records that embedding id was derived from source id.
func (s *Store) LinkDerivation(ctx context.Context, id, sourceID string) error {
	return s.graph.AddEdge(ctx, capability.GraphEdge{From: id, To: sourceID, Label: edgeDerivedFrom})
}

// DerivedFrom returns the ids this embedding was derived from.
func (s *Store) DerivedFrom(ctx context.Context, id string) ([]string, error) {
	return s.graph.Neighbors(ctx, id, edgeDerivedFrom)
}

// Search runs tenant-scoped similarity search.
func (s *Store) Search(ctx context.Context, tenantID string, vec []float32, k int, minSim float64) ([]Match, error) {
	filter := capability.Filter{"tenant_id": tenantID}
	hits, err := s.graph.VectorSearch(ctx, collectionEmbeddings, vec, filter, k, minSim)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		matches = append(matches, Match{Embedding: fromNode(hit.Node), Similarity: hit.Similarity})
	}
	return matches, nil
}

func fromNode(node capability.GraphNode) Embedding {
	emb := Embedding{ID: node.ID, Vector: node.Vector}
	meta := make(map[string]interface{})
	for k, v := range node.Properties {
		switch k {
		case "tenant_id":
			emb.TenantID, _ = v.(string)
		case "source_file_id":
			emb.SourceFileID, _ = v.(string)
		case "record_id":
			emb.RecordID, _ = v.(string)
		default:
			if len(k) > 5 && k[:5] == "meta_" {
				meta[k[5:]] = v
			}
		}
	}
	if len(meta) > 0 {
		emb.Metadata = meta
	}
	return emb
}
