// Package artifact implements the artifact plane: the index of everything
// the system produces, with lifecycle states, immutable version chains, and
// lineage. Payload bytes live in the blob store; the plane only holds
// references.
package artifact

import (
	"errors"
	"time"
)

// MaxPayloadBytes caps inline payload uploads. Larger payloads must be
// staged through file ingestion.
const MaxPayloadBytes = 10 << 20

var (
	ErrNotFound          = errors.New("artifact not found")
	ErrInvalidTransition = errors.New("lifecycle transition not allowed")
	ErrPayloadTooLarge   = errors.New("artifact payload exceeds size cap")
	ErrHasDependents     = errors.New("artifact has non-obsolete dependents")
	ErrNoPayload         = errors.New("artifact has no payload")
	ErrVersionConflict   = errors.New("version chain conflict")
)

// LifecycleState is the artifact lifecycle.
type LifecycleState string

const (
	StateDraft    LifecycleState = "draft"
	StateAccepted LifecycleState = "accepted"
	StateObsolete LifecycleState = "obsolete"
)

// Owner identifies who an artifact belongs to.
type Owner string

const (
	OwnerClient   Owner = "client"
	OwnerPlatform Owner = "platform"
	OwnerShared   Owner = "shared"
)

// Purpose classifies why an artifact exists.
type Purpose string

const (
	PurposeDecisionSupport Purpose = "decision_support"
	PurposeDelivery        Purpose = "delivery"
	PurposeGovernance      Purpose = "governance"
	PurposeLearning        Purpose = "learning"
)

// Transition is one audit entry in an artifact's lifecycle history.
type Transition struct {
	From   LifecycleState `json:"from"`
	To     LifecycleState `json:"to"`
	Actor  string         `json:"actor"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// Artifact is one version row in the plane.
type Artifact struct {
	ArtifactID           string                 `json:"artifact_id"`
	TenantID             string                 `json:"tenant_id"`
	SessionID            string                 `json:"session_id,omitempty"`
	ExecutionID          string                 `json:"execution_id,omitempty"`
	ArtifactType         string                 `json:"artifact_type"`
	Realm                string                 `json:"realm,omitempty"`
	LifecycleState       LifecycleState         `json:"lifecycle_state"`
	Owner                Owner                  `json:"owner"`
	Purpose              Purpose                `json:"purpose"`
	Version              int                    `json:"version"`
	ParentArtifactID     string                 `json:"parent_artifact_id,omitempty"`
	RootArtifactID       string                 `json:"root_artifact_id"`
	IsCurrentVersion     bool                   `json:"is_current_version"`
	SourceArtifactIDs    []string               `json:"source_artifact_ids,omitempty"`
	SemanticDescriptor   map[string]interface{} `json:"semantic_descriptor,omitempty"`
	PayloadRef           string                 `json:"payload_ref,omitempty"`
	LifecycleTransitions []Transition           `json:"lifecycle_transitions,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// allowedTransitions is the only set of legal lifecycle edges. No back
// edges exist; obsolescence is final.
var allowedTransitions = map[LifecycleState][]LifecycleState{
	StateDraft:    {StateAccepted, StateObsolete},
	StateAccepted: {StateObsolete},
}

func transitionAllowed(from, to LifecycleState) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
