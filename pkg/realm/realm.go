// Package realm defines the contract between the runtime and domain
// services. A realm registers intent types with schemas and handles
// admitted intents through a capability-scoped execution context. Realms
// never call each other directly; cross-realm work is a new intent
// submitted through the runtime.
package realm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// Intent is a validated request for work.
type Intent struct {
	IntentID   string                 `json:"intent_id"`
	IntentType string                 `json:"intent_type"`
	TenantID   string                 `json:"tenant_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	SolutionID string                 `json:"solution_id,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Event is a progress signal a handler emits mid-execution.
type Event struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ArtifactSpec is what a handler emits; the runtime turns it into an
// artifact plane row bound to the execution.
type ArtifactSpec struct {
	Name              string
	ArtifactType      string
	Owner             artifact.Owner
	Purpose           artifact.Purpose
	SourceArtifactIDs []string
	Descriptor        map[string]interface{}
	Payload           []byte
	PayloadRef        string
}

// StateSurface is scoped per-execution state. Writes are logged.
type StateSurface interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// ExecutionContext is everything a handler may touch. Infrastructure stays
// behind these surfaces; a handler holding raw store handles is a contract
// violation.
type ExecutionContext interface {
	// Context carries the cancellation signal. Handlers check it between
	// steps; any suspension point may return its error.
	Context() context.Context

	TenantID() string
	SessionID() string
	UserID() string
	ExecutionID() string
	Intent() Intent

	State() StateSurface

	// EmitArtifact records a produced artifact and logs it.
	EmitArtifact(spec ArtifactSpec) (artifact.Artifact, error)
	// EmitEvent publishes a progress event to the execution stream.
	EmitEvent(eventType string, data map[string]interface{}) error

	// SubmitIntent routes cross-realm work back through the runtime and
	// returns the new execution id.
	SubmitIntent(intentType string, parameters map[string]interface{}) (string, error)

	// Compensate registers an undo step for work already done. On handler
	// failure the runtime runs compensations in reverse order.
	Compensate(step string, fn func(context.Context) error)

	// Governance surfaces.
	Steward() *smartcity.Steward
	Records() *smartcity.RecordStore
	Semantic() *semantic.Store
	Artifacts() *artifact.Plane
}

// Registration declares one intent type a realm serves. Schema is a JSON
// Schema document validated before admission; Permitted is the
// authorization predicate, nil meaning any tenant member.
type Registration struct {
	IntentType string
	Schema     json.RawMessage
	Permitted  func(smartcity.Identity) bool
	Timeout    time.Duration // 0 = runtime default
}

// Realm is a domain service: registrations plus one handler.
type Realm interface {
	Name() string
	Registrations() []Registration
	HandleIntent(ec ExecutionContext, intent Intent) error
}
