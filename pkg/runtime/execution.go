package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
)

const tableExecutions = "executions"

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is one attempt to run an intent.
type Execution struct {
	ExecutionID string            `json:"execution_id"`
	IntentID    string            `json:"intent_id"`
	IntentType  string            `json:"intent_type"`
	TenantID    string            `json:"tenant_id"`
	SessionID   string            `json:"session_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Status      Status            `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   fault.Kind        `json:"error_kind,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"` // name -> artifact_id
	Events      []realm.Event     `json:"events,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// errExecutionSettled guards terminal rows against late writers.
var errExecutionSettled = errors.New("execution already settled")

// executionStore persists execution snapshots.
type executionStore struct {
	rows capability.RowStore
}

func (s *executionStore) put(ctx context.Context, exec Execution) error {
	doc, err := docFromExecution(exec)
	if err != nil {
		return err
	}
	if err := s.rows.Put(ctx, tableExecutions, exec.ExecutionID, doc); err != nil {
		return fmt.Errorf("execution put failed: %w", err)
	}
	return nil
}

func (s *executionStore) get(ctx context.Context, tenantID, executionID string) (Execution, error) {
	doc, err := s.rows.Get(ctx, tableExecutions, executionID)
	if errors.Is(err, capability.ErrNotFound) {
		return Execution{}, fault.New(fault.KindNotFound, "execution not found")
	}
	if err != nil {
		return Execution{}, fmt.Errorf("execution get failed: %w", err)
	}
	exec, err := executionFromDoc(doc)
	if err != nil {
		return Execution{}, err
	}
	if exec.TenantID != tenantID {
		return Execution{}, fault.New(fault.KindNotFound, "execution not found")
	}
	return exec, nil
}

// update applies a read-modify-write mutation to one execution row. A row
// that already reached a terminal status is settled and refuses further
// mutation.
func (s *executionStore) update(ctx context.Context, executionID string, mutate func(*Execution)) (Execution, error) {
	var out Execution
	err := s.rows.Update(ctx, tableExecutions, executionID, func(doc map[string]interface{}) (map[string]interface{}, error) {
		exec, err := executionFromDoc(doc)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return nil, errExecutionSettled
		}
		mutate(&exec)
		out = exec
		return docFromExecution(exec)
	})
	if errors.Is(err, capability.ErrNotFound) {
		return Execution{}, fault.New(fault.KindNotFound, "execution not found")
	}
	if errors.Is(err, errExecutionSettled) {
		return Execution{}, fault.Wrap(fault.KindAlreadyTerminal, "execution already settled", err)
	}
	if err != nil {
		return Execution{}, fmt.Errorf("execution update failed: %w", err)
	}
	return out, nil
}

func docFromExecution(exec Execution) (map[string]interface{}, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("execution marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("execution doc decode failed: %w", err)
	}
	return doc, nil
}

func executionFromDoc(doc map[string]interface{}) (Execution, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Execution{}, fmt.Errorf("execution doc marshal failed: %w", err)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return Execution{}, fmt.Errorf("corrupt execution row: %w", err)
	}
	return exec, nil
}
