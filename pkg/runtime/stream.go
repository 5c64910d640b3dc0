package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/wal"
)

func execTopic(executionID string) string { return "exec:" + executionID }

// Stream returns the execution's events in log order: buffered history
// from admission first, then live events. The channel closes after the
// terminal event, which is always the last message.
func (rt *Runtime) Stream(ctx context.Context, tenantID, executionID string) (<-chan wal.Event, error) {
	if _, err := rt.executions.get(ctx, tenantID, executionID); err != nil {
		return nil, err
	}

	sub, err := rt.pubsub.Subscribe(ctx, execTopic(executionID), 1)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientIO, "stream subscribe failed", err)
	}

	out := make(chan wal.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				var event wal.Event
				if err := json.Unmarshal(msg.Payload, &event); err != nil {
					rt.logger.Warn("corrupt stream message", "execution_id", executionID, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Kind == wal.KindExecutionTerminal {
					return
				}
			}
		}
	}()
	return out, nil
}

// ReplayExecution reconstructs an execution snapshot purely from the log.
// For a terminal execution the result equals Status.
func (rt *Runtime) ReplayExecution(ctx context.Context, tenantID, executionID string) (Execution, error) {
	events, err := rt.log.ReplayExecution(ctx, tenantID, executionID)
	if err != nil {
		return Execution{}, err
	}
	if len(events) == 0 {
		return Execution{}, fault.New(fault.KindNotFound, "execution not found in log")
	}

	exec := Execution{ExecutionID: executionID, TenantID: tenantID, Status: StatusPending}
	for _, event := range events {
		switch event.Kind {
		case wal.KindIntentAdmitted:
			exec.IntentID = payloadString(event.Payload, "intent_id")
			exec.IntentType = payloadString(event.Payload, "intent_type")
			exec.SessionID = payloadString(event.Payload, "session_id")
			exec.UserID = payloadString(event.Payload, "user_id")
			if ts, err := time.Parse(time.RFC3339Nano, payloadString(event.Payload, "created_at")); err == nil {
				exec.CreatedAt = ts
			}
		case wal.KindStepStarted:
			exec.Status = StatusRunning
			ts := event.TS
			exec.StartedAt = &ts
		case wal.KindArtifactProduced:
			if exec.Artifacts == nil {
				exec.Artifacts = make(map[string]string)
			}
			exec.Artifacts[payloadString(event.Payload, "name")] = payloadString(event.Payload, "artifact_id")
		case wal.KindEventEmitted:
			eventType := payloadString(event.Payload, "event_type")
			if eventType == "state_write" || eventType == "lifecycle_transition" || eventType == "denied" {
				continue // audit entries, not handler progress
			}
			data, _ := event.Payload["data"].(map[string]interface{})
			exec.Events = append(exec.Events, realm.Event{
				EventType: eventType,
				Data:      data,
				Timestamp: event.TS,
			})
		case wal.KindExecutionTerminal:
			exec.Status = Status(payloadString(event.Payload, "status"))
			ts := event.TS
			exec.CompletedAt = &ts
			if exec.Status == StatusFailed {
				exec.Error = payloadString(event.Payload, "error")
				exec.ErrorKind = fault.Kind(payloadString(event.Payload, "error_kind"))
			}
		}
	}
	return exec, nil
}

func payloadString(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}
