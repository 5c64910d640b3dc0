// Package runtime is the execution authority: it admits intents, schedules
// handlers with per-tenant ordering, writes the per-tenant log, coordinates
// compensation, and streams events back to callers.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
	"github.com/loomworks/fabric/pkg/wal"
)

// Config wires a Runtime. Rows, PubSub, Log, and Plane are required; the
// governance surfaces are optional for embedded use but required by the
// reference realms.
type Config struct {
	Rows     capability.RowStore
	PubSub   capability.PubSub
	Log      *wal.Log
	Plane    *artifact.Plane
	Steward  *smartcity.Steward
	Records  *smartcity.RecordStore
	Semantic *semantic.Store
	Sessions *smartcity.SessionManager
	Nurse    *smartcity.Nurse
	Logger   *slog.Logger
	Metrics  Metrics

	Workers       int
	HighWaterMark int

	Clock func() time.Time
	NewID func() string
}

// Runtime is the execution engine.
type Runtime struct {
	registry   *Registry
	rows       capability.RowStore
	pubsub     capability.PubSub
	log        *wal.Log
	plane      *artifact.Plane
	steward    *smartcity.Steward
	records    *smartcity.RecordStore
	semantic   *semantic.Store
	sessions   *smartcity.SessionManager
	nurse      *smartcity.Nurse
	executions *executionStore
	dispatch   *dispatcher
	logger     *slog.Logger
	metrics    Metrics
	clock      func() time.Time
	newID      func() string

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	cancelAsked map[string]bool

	// settleMu serializes terminalization so exactly one terminal event
	// lands per execution, whichever of cancel, lane, or admission
	// overflow gets there first.
	settleMu sync.Mutex
}

// New builds a runtime. Realms register before Start.
func New(cfg Config) *Runtime {
	rt := &Runtime{
		registry:    NewRegistry(),
		rows:        cfg.Rows,
		pubsub:      cfg.PubSub,
		log:         cfg.Log,
		plane:       cfg.Plane,
		steward:     cfg.Steward,
		records:     cfg.Records,
		semantic:    cfg.Semantic,
		sessions:    cfg.Sessions,
		nurse:       cfg.Nurse,
		executions:  &executionStore{rows: cfg.Rows},
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		newID:       cfg.NewID,
		cancels:     make(map[string]context.CancelFunc),
		cancelAsked: make(map[string]bool),
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.clock == nil {
		rt.clock = time.Now
	}
	if rt.newID == nil {
		rt.newID = func() string { return uuid.NewString() }
	}
	if rt.nurse == nil {
		rt.nurse = smartcity.NewNurse(smartcity.DefaultRetryPolicy())
	}
	rt.dispatch = newDispatcher(cfg.Workers, cfg.HighWaterMark, rt.execute)
	if rt.plane != nil {
		rt.plane.WithRecorder(&planeRecorder{rt: rt})
	}
	return rt
}

// Register adds a realm's intent types. Duplicate registration is a boot
// failure, surfaced to the caller.
func (rt *Runtime) Register(rl realm.Realm) error {
	return rt.registry.Register(rl)
}

// Close drains the dispatcher.
func (rt *Runtime) Close() {
	rt.dispatch.close()
}

func (rt *Runtime) realmOf(intentType string) string {
	reg, err := rt.registry.lookup(intentType)
	if err != nil {
		return ""
	}
	return reg.realm.Name()
}

// Admit validates, authorizes, durably logs, and enqueues an intent. The
// identity comes from the edge; internal submissions pass nil and skip the
// permission predicate.
func (rt *Runtime) Admit(ctx context.Context, intent realm.Intent, identity *smartcity.Identity) (Execution, error) {
	exec, err := rt.admit(ctx, intent, identity)
	if rt.metrics != nil {
		if err != nil {
			rt.metrics.RecordRejection(ctx, string(fault.KindOf(err)))
		} else {
			rt.metrics.RecordAdmission(ctx, exec.TenantID, exec.IntentType)
		}
	}
	return exec, err
}

// QueueDepth reports queued executions across all tenants.
func (rt *Runtime) QueueDepth() int {
	return rt.dispatch.totalDepth()
}

func (rt *Runtime) admit(ctx context.Context, intent realm.Intent, identity *smartcity.Identity) (Execution, error) {
	reg, err := rt.registry.lookup(intent.IntentType)
	if err != nil {
		return Execution{}, err
	}
	if intent.TenantID == "" {
		return Execution{}, fault.New(fault.KindInvalidParameters, "tenant id required")
	}

	if rt.sessions != nil && intent.SessionID != "" {
		session, err := rt.sessions.Get(ctx, intent.SessionID, "")
		if err != nil {
			return Execution{}, fault.Wrap(fault.KindDeniedByPolicy, "session rejected", err)
		}
		if session.TenantID != intent.TenantID {
			return Execution{}, fault.New(fault.KindTenantMismatch, "intent tenant does not match session tenant")
		}
		if intent.UserID == "" {
			intent.UserID = session.UserID
		}
	}

	if identity != nil {
		decision := smartcity.Authorize(*identity, intent.TenantID, reg.permitted)
		if !decision.Allow {
			// Denials are audited; the log write is best-effort since the
			// caller is being rejected either way.
			if _, aerr := rt.log.Append(ctx, intent.TenantID, intent.SessionID, "", wal.KindEventEmitted, map[string]interface{}{
				"event_type": "denied",
				"data": map[string]interface{}{
					"intent_type": intent.IntentType,
					"user_id":     identity.UserID,
					"reason":      decision.Reason,
				},
			}); aerr != nil {
				rt.logger.Warn("denial audit write failed", "error", aerr)
			}
			return Execution{}, fault.New(fault.KindDeniedByPolicy, decision.Reason)
		}
	}

	// Shape failures happen before any log write.
	if err := reg.validate(intent.Parameters); err != nil {
		return Execution{}, err
	}

	if rt.dispatch.depth(intent.TenantID) >= rt.dispatch.hwm {
		return Execution{}, fault.Newf(fault.KindOverloaded, "tenant %s queue is at its high-water mark", intent.TenantID)
	}

	now := rt.clock().UTC()
	if intent.IntentID == "" {
		intent.IntentID = rt.newID()
	}
	intent.CreatedAt = now

	exec := Execution{
		ExecutionID: rt.newID(),
		IntentID:    intent.IntentID,
		IntentType:  intent.IntentType,
		TenantID:    intent.TenantID,
		SessionID:   intent.SessionID,
		UserID:      intent.UserID,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if err := rt.executions.put(ctx, exec); err != nil {
		return Execution{}, err
	}
	if err := rt.putIntent(ctx, intent, exec.ExecutionID); err != nil {
		return Execution{}, err
	}

	// Admission is not acknowledged until the admitted event is durable.
	if _, err := rt.logAndPublish(ctx, exec.TenantID, exec.SessionID, exec.ExecutionID, wal.KindIntentAdmitted, map[string]interface{}{
		"intent_id":   intent.IntentID,
		"intent_type": intent.IntentType,
		"session_id":  intent.SessionID,
		"user_id":     intent.UserID,
		"created_at":  now.Format(time.RFC3339Nano),
	}); err != nil {
		return Execution{}, err
	}

	if err := rt.dispatch.enqueue(exec.TenantID, exec.ExecutionID); err != nil {
		terminal, terr := rt.finishExecution(ctx, exec.TenantID, exec.SessionID, exec.ExecutionID, StatusFailed, fault.KindOverloaded, "queue overflowed after admission")
		if terr != nil {
			return Execution{}, terr
		}
		return terminal, err
	}

	rt.logger.Info("intent admitted",
		"tenant_id", exec.TenantID,
		"intent_type", exec.IntentType,
		"execution_id", exec.ExecutionID,
	)
	return exec, nil
}

// Status returns the execution snapshot.
func (rt *Runtime) Status(ctx context.Context, tenantID, executionID string) (Execution, error) {
	return rt.executions.get(ctx, tenantID, executionID)
}

// Cancel requests best-effort cancellation. Pending executions are reaped
// before dispatch; running ones get their context cancelled and terminate
// at the next suspension point.
func (rt *Runtime) Cancel(ctx context.Context, tenantID, executionID string) error {
	exec, err := rt.executions.get(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fault.Newf(fault.KindAlreadyTerminal, "execution is already %s", exec.Status)
	}

	rt.mu.Lock()
	rt.cancelAsked[executionID] = true
	cancel := rt.cancels[executionID]
	rt.mu.Unlock()

	if exec.Status == StatusPending && cancel == nil {
		// Not dispatched yet: terminalize now, the lane will skip it.
		_, err := rt.finishExecution(ctx, exec.TenantID, exec.SessionID, executionID, StatusCancelled, "", "cancelled before dispatch")
		return err
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// execute runs one admitted execution on a dispatcher lane.
func (rt *Runtime) execute(laneCtx context.Context, tenantID, executionID string) {
	ctx := context.WithoutCancel(laneCtx)

	exec, err := rt.executions.get(ctx, tenantID, executionID)
	if err != nil || exec.Status != StatusPending {
		// Reaped by cancel, or already handled.
		rt.mu.Lock()
		delete(rt.cancelAsked, executionID)
		rt.mu.Unlock()
		return
	}
	reg, err := rt.registry.lookup(exec.IntentType)
	if err != nil {
		_, _ = rt.finishExecution(ctx, tenantID, exec.SessionID, executionID, StatusFailed, fault.KindUnknownIntentType, err.Error())
		return
	}
	intent, err := rt.getIntent(ctx, exec.IntentID)
	if err != nil {
		_, _ = rt.finishExecution(ctx, tenantID, exec.SessionID, executionID, StatusFailed, fault.KindIntegrityViolation, err.Error())
		return
	}

	// The cancel handle registers before the first log write. From here a
	// concurrent Cancel finds the handle instead of terminalizing the row
	// itself, so the lane cannot resurrect a cancelled execution.
	handlerCtx, cancel := context.WithCancel(laneCtx)
	rt.mu.Lock()
	rt.cancels[executionID] = cancel
	rt.mu.Unlock()
	defer func() {
		cancel()
		rt.mu.Lock()
		delete(rt.cancels, executionID)
		delete(rt.cancelAsked, executionID)
		rt.mu.Unlock()
	}()

	if rt.wasCancelRequested(executionID) {
		// Cancel arrived between the pending read and registration; it
		// may or may not have settled the row already.
		_, _ = rt.finishExecution(ctx, tenantID, exec.SessionID, executionID, StatusCancelled, "", "cancelled before dispatch")
		return
	}

	startEvent, err := rt.logAndPublish(ctx, tenantID, exec.SessionID, executionID, wal.KindStepStarted, map[string]interface{}{
		"intent_type": exec.IntentType,
	})
	if err != nil {
		_, _ = rt.finishExecution(ctx, tenantID, exec.SessionID, executionID, StatusFailed, fault.KindTransientIO, err.Error())
		return
	}
	if _, err := rt.executions.update(ctx, executionID, func(e *Execution) {
		e.Status = StatusRunning
		ts := startEvent.TS
		e.StartedAt = &ts
	}); err != nil {
		return
	}

	status, kind, detail := rt.runHandler(handlerCtx, reg, intent, executionID)

	if status == StatusCompleted {
		if _, err := rt.log.Append(ctx, tenantID, exec.SessionID, executionID, wal.KindStepCompleted, map[string]interface{}{
			"intent_type": exec.IntentType,
		}); err != nil {
			status, kind, detail = StatusFailed, fault.KindTransientIO, err.Error()
		}
	}
	if _, err := rt.finishExecution(ctx, tenantID, exec.SessionID, executionID, status, kind, detail); err != nil {
		rt.logger.Error("terminal write failed", "execution_id", executionID, "error", err)
	}
}

// runHandler invokes the realm handler with timeout, compensation, and
// bounded retry for retriable fault kinds.
func (rt *Runtime) runHandler(ctx context.Context, reg registration, intent realm.Intent, executionID string) (Status, fault.Kind, string) {
	attempt := 0
	for {
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, reg.timeout)
		sg := &saga{}
		ec := &execCtx{ctx: attemptCtx, rt: rt, intent: intent, execID: executionID, saga: sg}
		err := rt.invoke(reg, ec, intent)
		cancel()

		if err == nil {
			return StatusCompleted, "", ""
		}

		// Compensations run on a fresh context: the failure may be the
		// cancellation itself.
		compCtx := context.WithoutCancel(ctx)
		if cerr := sg.unwind(compCtx, rt.log, intent.TenantID, intent.SessionID, executionID); cerr != nil {
			rt.logger.Error("compensation failed", "execution_id", executionID, "error", cerr)
		}

		if ctx.Err() != nil && rt.wasCancelRequested(executionID) {
			return StatusCancelled, "", "cancelled by caller"
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return StatusFailed, fault.KindTimeout, "timeout"
		}

		kind := fault.KindOf(err)
		decision := rt.nurse.Decide(executionID, attempt, kind)
		if !decision.Retry {
			return StatusFailed, kind, err.Error()
		}

		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			if rt.wasCancelRequested(executionID) {
				return StatusCancelled, "", "cancelled by caller"
			}
			return StatusFailed, kind, err.Error()
		}
	}
}

// invoke guards a handler call; a panic is a handler fault, never a crash.
func (rt *Runtime) invoke(reg registration, ec realm.ExecutionContext, intent realm.Intent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.KindHandlerFault, "handler panic: %v", r)
		}
	}()
	return reg.realm.HandleIntent(ec, intent)
}

func (rt *Runtime) wasCancelRequested(executionID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancelAsked[executionID]
}

// finishExecution writes the terminal log event, streams it, and settles
// the execution row. After this no further events are appended for the
// execution.
func (rt *Runtime) finishExecution(ctx context.Context, tenantID, sessionID, executionID string, status Status, kind fault.Kind, detail string) (Execution, error) {
	rt.settleMu.Lock()
	defer rt.settleMu.Unlock()

	// First finisher wins; a later finisher observes the settled row and
	// stands down without a second terminal event.
	prior, err := rt.executions.get(ctx, tenantID, executionID)
	if err != nil {
		return Execution{}, err
	}
	if prior.Status.Terminal() {
		return prior, nil
	}

	payload := map[string]interface{}{"status": string(status)}
	if status == StatusFailed {
		payload["error"] = detail
		payload["error_kind"] = string(kind)
	}
	event, err := rt.logAndPublish(ctx, tenantID, sessionID, executionID, wal.KindExecutionTerminal, payload)
	if err != nil {
		return Execution{}, err
	}
	updated, err := rt.executions.update(ctx, executionID, func(e *Execution) {
		e.Status = status
		ts := event.TS
		e.CompletedAt = &ts
		if status == StatusFailed {
			e.Error = detail
			e.ErrorKind = kind
		}
	})
	if err == nil && rt.metrics != nil {
		start := updated.CreatedAt
		if updated.StartedAt != nil {
			start = *updated.StartedAt
		}
		rt.metrics.RecordExecution(ctx, updated.IntentType, string(status), event.TS.Sub(start))
	}
	return updated, err
}

// logAndPublish appends one log event and mirrors it onto the execution's
// stream topic.
func (rt *Runtime) logAndPublish(ctx context.Context, tenantID, sessionID, executionID string, kind wal.Kind, payload map[string]interface{}) (wal.Event, error) {
	event, err := rt.log.Append(ctx, tenantID, sessionID, executionID, kind, payload)
	if err != nil {
		return wal.Event{}, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return wal.Event{}, fmt.Errorf("stream event marshal failed: %w", err)
	}
	if err := rt.pubsub.Publish(ctx, execTopic(executionID), data); err != nil {
		return wal.Event{}, fmt.Errorf("stream publish failed: %w", err)
	}
	return event, nil
}

const tableIntents = "intents"

func (rt *Runtime) putIntent(ctx context.Context, intent realm.Intent, executionID string) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("intent marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("intent doc decode failed: %w", err)
	}
	doc["execution_id"] = executionID
	if err := rt.rows.Put(ctx, tableIntents, intent.IntentID, doc); err != nil {
		return fmt.Errorf("intent put failed: %w", err)
	}
	return nil
}

func (rt *Runtime) getIntent(ctx context.Context, intentID string) (realm.Intent, error) {
	doc, err := rt.rows.Get(ctx, tableIntents, intentID)
	if err != nil {
		return realm.Intent{}, fmt.Errorf("intent load failed: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return realm.Intent{}, fmt.Errorf("intent doc marshal failed: %w", err)
	}
	var intent realm.Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return realm.Intent{}, fmt.Errorf("corrupt intent row: %w", err)
	}
	return intent, nil
}

// planeRecorder mirrors artifact lifecycle transitions into the log.
type planeRecorder struct {
	rt *Runtime
}

func (r *planeRecorder) RecordTransition(ctx context.Context, art artifact.Artifact, tr artifact.Transition) error {
	_, err := r.rt.log.Append(ctx, art.TenantID, art.SessionID, art.ExecutionID, wal.KindEventEmitted, map[string]interface{}{
		"event_type": "lifecycle_transition",
		"data": map[string]interface{}{
			"artifact_id": art.ArtifactID,
			"from":        string(tr.From),
			"to":          string(tr.To),
			"actor":       tr.Actor,
		},
	})
	return err
}
