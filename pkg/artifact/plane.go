package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/fabric/pkg/capability"
)

const tableArtifacts = "artifacts"

// TransitionRecorder receives every lifecycle transition for audit. The
// runtime wires this to the write-ahead log.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, art Artifact, tr Transition) error
}

// Plane owns artifact index rows and version chains.
type Plane struct {
	rows     capability.RowStore
	blobs    capability.BlobStore
	recorder TransitionRecorder
	clock    func() time.Time
	newID    func() string
}

// NewPlane creates a plane over the given stores.
func NewPlane(rows capability.RowStore, blobs capability.BlobStore) *Plane {
	return &Plane{
		rows:  rows,
		blobs: blobs,
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// WithRecorder sets the transition audit sink.
func (p *Plane) WithRecorder(r TransitionRecorder) *Plane {
	p.recorder = r
	return p
}

// WithClock overrides the clock for testing.
func (p *Plane) WithClock(clock func() time.Time) *Plane {
	p.clock = clock
	return p
}

// WithIDs overrides id generation for testing.
func (p *Plane) WithIDs(newID func() string) *Plane {
	p.newID = newID
	return p
}

// CreateRequest describes a new artifact. Payload is optional; when set it
// is written content-addressed to the blob store.
type CreateRequest struct {
	ArtifactID         string
	TenantID           string
	SessionID          string
	ExecutionID        string
	ArtifactType       string
	Realm              string
	Owner              Owner
	Purpose            Purpose
	SourceArtifactIDs  []string
	SemanticDescriptor map[string]interface{}
	Payload            []byte
	PayloadRef         string
}

// Create writes a new draft artifact row.
func (p *Plane) Create(ctx context.Context, req CreateRequest) (Artifact, error) {
	if req.TenantID == "" || req.ArtifactType == "" {
		return Artifact{}, fmt.Errorf("tenant id and artifact type required")
	}
	if len(req.Payload) > MaxPayloadBytes {
		return Artifact{}, ErrPayloadTooLarge
	}

	payloadRef := req.PayloadRef
	if len(req.Payload) > 0 {
		ref, err := p.blobs.PutIdempotent(ctx, req.Payload)
		if err != nil {
			return Artifact{}, fmt.Errorf("artifact payload store failed: %w", err)
		}
		payloadRef = string(ref)
	}

	id := req.ArtifactID
	if id == "" {
		id = p.newID()
	}
	owner := req.Owner
	if owner == "" {
		owner = OwnerClient
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = PurposeDelivery
	}

	now := p.clock().UTC()
	art := Artifact{
		ArtifactID:         id,
		TenantID:           req.TenantID,
		SessionID:          req.SessionID,
		ExecutionID:        req.ExecutionID,
		ArtifactType:       req.ArtifactType,
		Realm:              req.Realm,
		LifecycleState:     StateDraft,
		Owner:              owner,
		Purpose:            purpose,
		Version:            1,
		RootArtifactID:     id,
		IsCurrentVersion:   true,
		SourceArtifactIDs:  req.SourceArtifactIDs,
		SemanticDescriptor: req.SemanticDescriptor,
		PayloadRef:         payloadRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := p.put(ctx, art); err != nil {
		return Artifact{}, err
	}
	return art, nil
}

// Get returns an artifact, optionally resolving its payload bytes.
func (p *Plane) Get(ctx context.Context, tenantID, artifactID string, includePayload bool) (Artifact, []byte, error) {
	art, err := p.get(ctx, tenantID, artifactID)
	if err != nil {
		return Artifact{}, nil, err
	}
	if !includePayload {
		return art, nil, nil
	}
	if art.PayloadRef == "" {
		return art, nil, ErrNoPayload
	}
	payload, err := p.blobs.Get(ctx, capability.BlobRef(art.PayloadRef))
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("artifact payload read failed: %w", err)
	}
	return art, payload, nil
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	ArtifactType   string
	LifecycleState LifecycleState
	Owner          Owner
	Purpose        Purpose
	SessionID      string
	Realm          string
	CurrentOnly    bool
}

// List returns tenant artifacts matching the filter, in creation order.
func (p *Plane) List(ctx context.Context, tenantID string, filter ListFilter, limit, offset int) ([]Artifact, error) {
	rowFilter := capability.Filter{"tenant_id": tenantID}
	if filter.ArtifactType != "" {
		rowFilter["artifact_type"] = filter.ArtifactType
	}
	if filter.LifecycleState != "" {
		rowFilter["lifecycle_state"] = string(filter.LifecycleState)
	}
	if filter.Owner != "" {
		rowFilter["owner"] = string(filter.Owner)
	}
	if filter.Purpose != "" {
		rowFilter["purpose"] = string(filter.Purpose)
	}
	if filter.SessionID != "" {
		rowFilter["session_id"] = filter.SessionID
	}
	if filter.Realm != "" {
		rowFilter["realm"] = filter.Realm
	}
	if filter.CurrentOnly {
		rowFilter["is_current_version"] = true
	}

	docs, err := p.rows.Query(ctx, tableArtifacts, rowFilter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("artifact list failed: %w", err)
	}
	out := make([]Artifact, 0, len(docs))
	for _, doc := range docs {
		art, err := artifactFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, nil
}

// TransitionLifecycle moves an artifact along the allowed lifecycle edges.
// Accepting a draft seals it as a new immutable version row and flips the
// chain's current-version pointer atomically.
func (p *Plane) TransitionLifecycle(ctx context.Context, tenantID, artifactID string, target LifecycleState, actor, reason string) (Artifact, error) {
	art, err := p.get(ctx, tenantID, artifactID)
	if err != nil {
		return Artifact{}, err
	}
	if !transitionAllowed(art.LifecycleState, target) {
		return Artifact{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, art.LifecycleState, target)
	}

	now := p.clock().UTC()
	tr := Transition{From: art.LifecycleState, To: target, Actor: actor, Reason: reason, At: now}

	var result Artifact
	if art.LifecycleState == StateDraft && target == StateAccepted {
		result, err = p.acceptDraft(ctx, art, tr)
	} else {
		art.LifecycleState = target
		art.LifecycleTransitions = append(art.LifecycleTransitions, tr)
		art.UpdatedAt = now
		err = p.put(ctx, art)
		result = art
	}
	if err != nil {
		return Artifact{}, err
	}

	if p.recorder != nil {
		if err := p.recorder.RecordTransition(ctx, result, tr); err != nil {
			return Artifact{}, fmt.Errorf("transition audit failed: %w", err)
		}
	}
	return result, nil
}

// acceptDraft seals a draft into an accepted version row. The new row's
// parent is the chain's prior current version; the prior row loses the
// current flag through a guarded claim so concurrent accepts cannot both
// seal against the same head.
func (p *Plane) acceptDraft(ctx context.Context, draft Artifact, tr Transition) (Artifact, error) {
	current, err := p.currentVersion(ctx, draft.TenantID, draft.RootArtifactID)
	if err != nil {
		return Artifact{}, err
	}

	accepted := draft
	accepted.ArtifactID = p.newID()
	accepted.LifecycleState = StateAccepted
	accepted.Version = current.Version + 1
	accepted.ParentArtifactID = current.ArtifactID
	accepted.IsCurrentVersion = true
	accepted.LifecycleTransitions = append(append([]Transition(nil), draft.LifecycleTransitions...), tr)
	accepted.CreatedAt = tr.At
	accepted.UpdatedAt = tr.At

	// Claim the chain head: the prior row gives up its current flag only
	// if it is still the version read above. A concurrent accept loses the
	// claim and surfaces as a conflict instead of forking the chain.
	err = p.rows.Update(ctx, tableArtifacts, current.ArtifactID, func(doc map[string]interface{}) (map[string]interface{}, error) {
		head, err := artifactFromDoc(doc)
		if err != nil {
			return nil, err
		}
		if !head.IsCurrentVersion || head.Version != current.Version {
			return nil, fmt.Errorf("%w: chain %s advanced past version %d", ErrVersionConflict, draft.RootArtifactID, current.Version)
		}
		head.IsCurrentVersion = false
		head.UpdatedAt = tr.At
		return docFromArtifact(head)
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Artifact{}, err
		}
		return Artifact{}, fmt.Errorf("version flip failed: %w", err)
	}

	ops := []capability.Op{}

	if draft.ArtifactID != current.ArtifactID {
		// The draft was a descendant working copy; it is consumed by the
		// accept and leaves the chain as obsolete.
		consumed := draft
		consumed.LifecycleState = StateObsolete
		consumed.IsCurrentVersion = false
		consumed.LifecycleTransitions = append(consumed.LifecycleTransitions, tr)
		consumed.UpdatedAt = tr.At
		consumedDoc, err := docFromArtifact(consumed)
		if err != nil {
			return Artifact{}, err
		}
		ops = append(ops, capability.Op{Table: tableArtifacts, ID: consumed.ArtifactID, Doc: consumedDoc})
	}

	acceptedDoc, err := docFromArtifact(accepted)
	if err != nil {
		return Artifact{}, err
	}
	ops = append(ops, capability.Op{Table: tableArtifacts, ID: accepted.ArtifactID, Doc: acceptedDoc})

	if err := p.rows.Apply(ctx, ops); err != nil {
		return Artifact{}, fmt.Errorf("version seal failed: %w", err)
	}
	return accepted, nil
}

// NewDraftVersion creates a draft descendant of an accepted artifact, the
// only way to modify an artifact after acceptance.
func (p *Plane) NewDraftVersion(ctx context.Context, tenantID, artifactID string, descriptor map[string]interface{}, payload []byte) (Artifact, error) {
	parent, err := p.get(ctx, tenantID, artifactID)
	if err != nil {
		return Artifact{}, err
	}
	if parent.LifecycleState != StateAccepted {
		return Artifact{}, fmt.Errorf("%w: draft descendants require an accepted parent", ErrInvalidTransition)
	}
	if len(payload) > MaxPayloadBytes {
		return Artifact{}, ErrPayloadTooLarge
	}

	payloadRef := parent.PayloadRef
	if len(payload) > 0 {
		ref, err := p.blobs.PutIdempotent(ctx, payload)
		if err != nil {
			return Artifact{}, fmt.Errorf("artifact payload store failed: %w", err)
		}
		payloadRef = string(ref)
	}

	now := p.clock().UTC()
	draft := parent
	draft.ArtifactID = p.newID()
	draft.LifecycleState = StateDraft
	draft.ParentArtifactID = parent.ArtifactID
	draft.IsCurrentVersion = false
	draft.LifecycleTransitions = nil
	draft.PayloadRef = payloadRef
	if descriptor != nil {
		draft.SemanticDescriptor = descriptor
	}
	draft.CreatedAt = now
	draft.UpdatedAt = now

	if err := p.put(ctx, draft); err != nil {
		return Artifact{}, err
	}
	return draft, nil
}

// Versions returns the full version chain of an artifact, oldest first.
func (p *Plane) Versions(ctx context.Context, tenantID, artifactID string) ([]Artifact, error) {
	art, err := p.get(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	docs, err := p.rows.Query(ctx, tableArtifacts, capability.Filter{
		"tenant_id":        tenantID,
		"root_artifact_id": art.RootArtifactID,
	}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("version chain query failed: %w", err)
	}
	chain := make([]Artifact, 0, len(docs))
	for _, doc := range docs {
		a, err := artifactFromDoc(doc)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].Version != chain[j].Version {
			return chain[i].Version < chain[j].Version
		}
		return chain[i].CreatedAt.Before(chain[j].CreatedAt)
	})
	return chain, nil
}

// Delete removes an artifact row. Deletion is rejected while non-obsolete
// artifacts list it as a source.
func (p *Plane) Delete(ctx context.Context, tenantID, artifactID string) error {
	art, err := p.get(ctx, tenantID, artifactID)
	if err != nil {
		return err
	}

	docs, err := p.rows.Query(ctx, tableArtifacts, capability.Filter{"tenant_id": tenantID}, 0, 0)
	if err != nil {
		return fmt.Errorf("dependent scan failed: %w", err)
	}
	for _, doc := range docs {
		dep, err := artifactFromDoc(doc)
		if err != nil {
			return err
		}
		if dep.LifecycleState == StateObsolete {
			continue
		}
		for _, src := range dep.SourceArtifactIDs {
			if src == art.ArtifactID {
				return fmt.Errorf("%w: %s", ErrHasDependents, dep.ArtifactID)
			}
		}
	}
	if err := p.rows.Delete(ctx, tableArtifacts, art.ArtifactID); err != nil {
		return fmt.Errorf("artifact delete failed: %w", err)
	}
	return nil
}

func (p *Plane) currentVersion(ctx context.Context, tenantID, rootID string) (Artifact, error) {
	docs, err := p.rows.Query(ctx, tableArtifacts, capability.Filter{
		"tenant_id":          tenantID,
		"root_artifact_id":   rootID,
		"is_current_version": true,
	}, 1, 0)
	if err != nil {
		return Artifact{}, fmt.Errorf("current version query failed: %w", err)
	}
	if len(docs) == 0 {
		return Artifact{}, ErrNotFound
	}
	return artifactFromDoc(docs[0])
}

func (p *Plane) get(ctx context.Context, tenantID, artifactID string) (Artifact, error) {
	doc, err := p.rows.Get(ctx, tableArtifacts, artifactID)
	if errors.Is(err, capability.ErrNotFound) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact get failed: %w", err)
	}
	art, err := artifactFromDoc(doc)
	if err != nil {
		return Artifact{}, err
	}
	if art.TenantID != tenantID {
		return Artifact{}, ErrNotFound
	}
	return art, nil
}

func (p *Plane) put(ctx context.Context, art Artifact) error {
	doc, err := docFromArtifact(art)
	if err != nil {
		return err
	}
	if err := p.rows.Put(ctx, tableArtifacts, art.ArtifactID, doc); err != nil {
		return fmt.Errorf("artifact put failed: %w", err)
	}
	return nil
}

func docFromArtifact(art Artifact) (map[string]interface{}, error) {
	data, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("artifact marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("artifact doc decode failed: %w", err)
	}
	return doc, nil
}

func artifactFromDoc(doc map[string]interface{}) (Artifact, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact doc marshal failed: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return Artifact{}, fmt.Errorf("corrupt artifact row: %w", err)
	}
	return art, nil
}
