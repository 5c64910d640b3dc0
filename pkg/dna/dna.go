// Package dna holds the platform's versioned registries of generalized
// capabilities: solutions, intents, and realms. Rows are immutable; a
// promotion appends a new version and flips the current pointer. Registries
// live outside any tenant and are read-only to clients.
package dna

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loomworks/fabric/pkg/capability"
)

var (
	ErrNotFound        = errors.New("registry entry not found")
	ErrUnknownRegistry = errors.New("unknown registry")
)

// RegistryName selects one of the three DNA registries.
type RegistryName string

const (
	RegistrySolution RegistryName = "solution_registry"
	RegistryIntent   RegistryName = "intent_registry"
	RegistryRealm    RegistryName = "realm_registry"
)

func validRegistry(name RegistryName) bool {
	switch name {
	case RegistrySolution, RegistryIntent, RegistryRealm:
		return true
	}
	return false
}

// Entry is one immutable registry row.
type Entry struct {
	Identifier       string                 `json:"identifier"`
	Version          int                    `json:"version"`
	Definition       map[string]interface{} `json:"definition"`
	SourceArtifactID string                 `json:"source_artifact_id,omitempty"`
	PromotedBy       string                 `json:"promoted_by"`
	PromotedAt       time.Time              `json:"promoted_at"`
	IsCurrentVersion bool                   `json:"is_current_version"`
}

// Registry stores DNA rows in the row store.
type Registry struct {
	rows  capability.RowStore
	clock func() time.Time
}

// NewRegistry creates a registry surface over the row store.
func NewRegistry(rows capability.RowStore) *Registry {
	return &Registry{rows: rows, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func rowID(identifier string, version int) string {
	return fmt.Sprintf("%s@%d", identifier, version)
}

// Promote appends a new version for an identifier and makes it current.
func (r *Registry) Promote(ctx context.Context, registry RegistryName, identifier string, definition map[string]interface{}, sourceArtifactID, promotedBy string) (Entry, error) {
	if !validRegistry(registry) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownRegistry, registry)
	}
	if identifier == "" {
		return Entry{}, fmt.Errorf("identifier required")
	}

	versions, err := r.versions(ctx, registry, identifier)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Identifier:       identifier,
		Version:          1,
		Definition:       definition,
		SourceArtifactID: sourceArtifactID,
		PromotedBy:       promotedBy,
		PromotedAt:       r.clock().UTC(),
		IsCurrentVersion: true,
	}

	var ops []capability.Op
	for _, prior := range versions {
		entry.Version = prior.Version + 1
		if prior.IsCurrentVersion {
			prior.IsCurrentVersion = false
			doc, err := docFromEntry(prior)
			if err != nil {
				return Entry{}, err
			}
			ops = append(ops, capability.Op{Table: string(registry), ID: rowID(identifier, prior.Version), Doc: doc})
		}
	}

	doc, err := docFromEntry(entry)
	if err != nil {
		return Entry{}, err
	}
	ops = append(ops, capability.Op{Table: string(registry), ID: rowID(identifier, entry.Version), Doc: doc})

	if err := r.rows.Apply(ctx, ops); err != nil {
		return Entry{}, fmt.Errorf("registry promote failed: %w", err)
	}
	return entry, nil
}

// Current returns the current version for an identifier.
func (r *Registry) Current(ctx context.Context, registry RegistryName, identifier string) (Entry, error) {
	if !validRegistry(registry) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownRegistry, registry)
	}
	docs, err := r.rows.Query(ctx, string(registry), capability.Filter{
		"identifier":         identifier,
		"is_current_version": true,
	}, 1, 0)
	if err != nil {
		return Entry{}, fmt.Errorf("registry query failed: %w", err)
	}
	if len(docs) == 0 {
		return Entry{}, ErrNotFound
	}
	return entryFromDoc(docs[0])
}

// Get returns one exact version.
func (r *Registry) Get(ctx context.Context, registry RegistryName, identifier string, version int) (Entry, error) {
	if !validRegistry(registry) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownRegistry, registry)
	}
	doc, err := r.rows.Get(ctx, string(registry), rowID(identifier, version))
	if errors.Is(err, capability.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("registry get failed: %w", err)
	}
	return entryFromDoc(doc)
}

// Versions returns every version of an identifier, oldest first.
func (r *Registry) Versions(ctx context.Context, registry RegistryName, identifier string) ([]Entry, error) {
	if !validRegistry(registry) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegistry, registry)
	}
	return r.versions(ctx, registry, identifier)
}

func (r *Registry) versions(ctx context.Context, registry RegistryName, identifier string) ([]Entry, error) {
	docs, err := r.rows.Query(ctx, string(registry), capability.Filter{"identifier": identifier}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("registry query failed: %w", err)
	}
	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		e, err := entryFromDoc(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}

func docFromEntry(e Entry) (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("registry entry marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry entry decode failed: %w", err)
	}
	return doc, nil
}

func entryFromDoc(doc map[string]interface{}) (Entry, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Entry{}, fmt.Errorf("registry doc marshal failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("corrupt registry row: %w", err)
	}
	return e, nil
}
