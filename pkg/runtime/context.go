package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
	"github.com/loomworks/fabric/pkg/wal"
)

const tableExecState = "exec_state"

// execCtx is the capability-scoped view a handler gets. Everything flows
// through the runtime: artifacts land in the plane and the log, events hit
// the stream, cross-realm work is re-admitted.
type execCtx struct {
	ctx    context.Context
	rt     *Runtime
	intent realm.Intent
	execID string
	saga   *saga
}

var _ realm.ExecutionContext = (*execCtx)(nil)

func (c *execCtx) Context() context.Context { return c.ctx }
func (c *execCtx) TenantID() string         { return c.intent.TenantID }
func (c *execCtx) SessionID() string        { return c.intent.SessionID }
func (c *execCtx) UserID() string           { return c.intent.UserID }
func (c *execCtx) ExecutionID() string      { return c.execID }
func (c *execCtx) Intent() realm.Intent     { return c.intent }

func (c *execCtx) Steward() *smartcity.Steward     { return c.rt.steward }
func (c *execCtx) Records() *smartcity.RecordStore { return c.rt.records }
func (c *execCtx) Semantic() *semantic.Store       { return c.rt.semantic }
func (c *execCtx) Artifacts() *artifact.Plane      { return c.rt.plane }

func (c *execCtx) Compensate(step string, fn func(context.Context) error) {
	c.saga.register(step, fn)
}

// EmitArtifact writes a draft artifact bound to this execution, logs
// artifact_produced, and records the artifact on the execution snapshot.
func (c *execCtx) EmitArtifact(spec realm.ArtifactSpec) (artifact.Artifact, error) {
	if err := c.ctx.Err(); err != nil {
		return artifact.Artifact{}, err
	}
	art, err := c.rt.plane.Create(c.ctx, artifact.CreateRequest{
		TenantID:           c.intent.TenantID,
		SessionID:          c.intent.SessionID,
		ExecutionID:        c.execID,
		ArtifactType:       spec.ArtifactType,
		Realm:              c.rt.realmOf(c.intent.IntentType),
		Owner:              spec.Owner,
		Purpose:            spec.Purpose,
		SourceArtifactIDs:  spec.SourceArtifactIDs,
		SemanticDescriptor: spec.Descriptor,
		Payload:            spec.Payload,
		PayloadRef:         spec.PayloadRef,
	})
	if err != nil {
		return artifact.Artifact{}, err
	}

	name := spec.Name
	if name == "" {
		name = spec.ArtifactType
	}
	if _, err := c.rt.logAndPublish(c.ctx, c.intent.TenantID, c.intent.SessionID, c.execID, wal.KindArtifactProduced, map[string]interface{}{
		"name":          name,
		"artifact_id":   art.ArtifactID,
		"artifact_type": art.ArtifactType,
	}); err != nil {
		return artifact.Artifact{}, err
	}

	_, err = c.rt.executions.update(c.ctx, c.execID, func(exec *Execution) {
		if exec.Artifacts == nil {
			exec.Artifacts = make(map[string]string)
		}
		exec.Artifacts[name] = art.ArtifactID
	})
	if err != nil {
		return artifact.Artifact{}, err
	}
	return art, nil
}

// EmitEvent logs and streams a progress event.
func (c *execCtx) EmitEvent(eventType string, data map[string]interface{}) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	event, err := c.rt.logAndPublish(c.ctx, c.intent.TenantID, c.intent.SessionID, c.execID, wal.KindEventEmitted, map[string]interface{}{
		"event_type": eventType,
		"data":       data,
	})
	if err != nil {
		return err
	}
	_, err = c.rt.executions.update(c.ctx, c.execID, func(exec *Execution) {
		exec.Events = append(exec.Events, realm.Event{
			EventType: eventType,
			Data:      data,
			Timestamp: event.TS,
		})
	})
	return err
}

// SubmitIntent re-enters the runtime for cross-realm work.
func (c *execCtx) SubmitIntent(intentType string, parameters map[string]interface{}) (string, error) {
	if err := c.ctx.Err(); err != nil {
		return "", err
	}
	child := realm.Intent{
		IntentType: intentType,
		TenantID:   c.intent.TenantID,
		SessionID:  c.intent.SessionID,
		UserID:     c.intent.UserID,
		SolutionID: c.intent.SolutionID,
		Parameters: parameters,
	}
	exec, err := c.rt.admit(c.ctx, child, nil)
	if err != nil {
		return "", err
	}
	return exec.ExecutionID, nil
}

func (c *execCtx) State() realm.StateSurface {
	return &stateSurface{rt: c.rt, intent: c.intent, execID: c.execID}
}

// stateSurface is per-execution keyed state. Writes are logged so replay
// sees them; reads prefer the lookaside cache.
type stateSurface struct {
	rt     *Runtime
	intent realm.Intent
	execID string
}

func (s *stateSurface) key(k string) string { return s.execID + ":" + k }

func (s *stateSurface) Get(ctx context.Context, key string) (interface{}, bool, error) {
	doc, err := s.rt.rows.Get(ctx, tableExecState, s.key(key))
	if errors.Is(err, capability.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("state read failed: %w", err)
	}
	return doc["value"], true, nil
}

func (s *stateSurface) Set(ctx context.Context, key string, value interface{}) error {
	err := s.rt.rows.Put(ctx, tableExecState, s.key(key), map[string]interface{}{
		"tenant_id": s.intent.TenantID,
		"value":     value,
	})
	if err != nil {
		return fmt.Errorf("state write failed: %w", err)
	}
	// Logged but not streamed; subscribers only see handler-emitted events.
	_, err = s.rt.log.Append(ctx, s.intent.TenantID, s.intent.SessionID, s.execID, wal.KindEventEmitted, map[string]interface{}{
		"event_type": "state_write",
		"data":       map[string]interface{}{"key": key},
	})
	return err
}
