package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/fabric/pkg/wal"
)

// compensation is one registered undo step.
type compensation struct {
	step string
	fn   func(context.Context) error
}

// saga collects compensations during a handler run and unwinds them in
// reverse order on failure. Each compensation outcome is logged; a failed
// compensation is surfaced once and never re-invoked.
type saga struct {
	mu    sync.Mutex
	steps []compensation
}

func (s *saga) register(step string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, compensation{step: step, fn: fn})
}

func (s *saga) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = nil
}

// unwind runs compensations newest-first. It returns the first
// compensation failure, after attempting the rest.
func (s *saga) unwind(ctx context.Context, log *wal.Log, tenantID, sessionID, executionID string) error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		err := step.fn(ctx)

		payload := map[string]interface{}{"step": step.step, "ok": err == nil}
		if err != nil {
			payload["error"] = err.Error()
			if firstErr == nil {
				firstErr = fmt.Errorf("compensation %q failed: %w", step.step, err)
			}
		}
		if _, werr := log.Append(ctx, tenantID, sessionID, executionID, wal.KindSagaCompensation, payload); werr != nil && firstErr == nil {
			firstErr = werr
		}
	}
	return firstErr
}
