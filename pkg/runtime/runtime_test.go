package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/smartcity"
	"github.com/loomworks/fabric/pkg/wal"
)

type stubRealm struct {
	name   string
	regs   []realm.Registration
	handle func(ec realm.ExecutionContext, intent realm.Intent) error
}

func (r *stubRealm) Name() string                        { return r.name }
func (r *stubRealm) Registrations() []realm.Registration { return r.regs }
func (r *stubRealm) HandleIntent(ec realm.ExecutionContext, intent realm.Intent) error {
	return r.handle(ec, intent)
}

type fixture struct {
	rt    *Runtime
	rows  *capability.MemoryRowStore
	blobs *capability.MemoryBlobStore
	log   *wal.Log
	plane *artifact.Plane
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	rows := capability.NewMemoryRowStore()
	blobs := capability.NewMemoryBlobStore()
	log := wal.NewLog(rows)
	plane := artifact.NewPlane(rows, blobs)

	cfg := Config{
		Rows:   rows,
		PubSub: capability.NewMemoryPubSub(),
		Log:    log,
		Plane:  plane,
		Nurse:  smartcity.NewNurse(smartcity.RetryPolicy{MaxAttempts: 3, BaseMs: 1, MaxMs: 2, MaxJitterMs: 1}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rt := New(cfg)
	t.Cleanup(rt.Close)
	return &fixture{rt: rt, rows: rows, blobs: blobs, log: log, plane: plane}
}

func (f *fixture) waitTerminal(t *testing.T, tenantID, executionID string) Execution {
	t.Helper()
	var exec Execution
	require.Eventually(t, func() bool {
		e, err := f.rt.Status(context.Background(), tenantID, executionID)
		if err != nil {
			return false
		}
		exec = e
		return e.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return exec
}

const echoSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {"name": {"type": "string"}}
}`

func echoRealm(handle func(ec realm.ExecutionContext, intent realm.Intent) error) *stubRealm {
	return &stubRealm{
		name: "echo",
		regs: []realm.Registration{
			{IntentType: "echo", Schema: json.RawMessage(echoSchema)},
		},
		handle: handle,
	}
}

func TestAdmitUnknownIntentType(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.rt.Admit(context.Background(), realm.Intent{IntentType: "bogus", TenantID: "t1"}, nil)
	assert.Equal(t, fault.KindUnknownIntentType, fault.KindOf(err))
}

func TestAdmitSchemaFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil })))

	_, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo",
		TenantID:   "t1",
		Parameters: map[string]interface{}{"name": 42},
	}, nil)
	assert.Equal(t, fault.KindInvalidParameters, fault.KindOf(err))

	last, err := f.log.LastSeq(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil })))
	err := f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil }))
	assert.Error(t, err)
}

func TestHappyPathProducesArtifactsAndEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(ec realm.ExecutionContext, intent realm.Intent) error {
		if err := ec.EmitEvent("progress", map[string]interface{}{"phase": "working"}); err != nil {
			return err
		}
		_, err := ec.EmitArtifact(realm.ArtifactSpec{
			Name:         "result",
			ArtifactType: "interpretation",
			Payload:      []byte("meaning"),
		})
		return err
	})))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo",
		TenantID:   "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, exec.Status)

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusCompleted, done.Status)
	require.Len(t, done.Events, 1)
	assert.Equal(t, "progress", done.Events[0].EventType)
	require.Contains(t, done.Artifacts, "result")

	art, payload, err := f.plane.Get(ctx, "t1", done.Artifacts["result"], true)
	require.NoError(t, err)
	assert.Equal(t, exec.ExecutionID, art.ExecutionID)
	assert.Equal(t, []byte("meaning"), payload)
}

// A successful Admit means intent_admitted is already durable.
func TestAdmitDurability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	block := make(chan struct{})
	require.NoError(t, f.rt.Register(echoRealm(func(ec realm.ExecutionContext, _ realm.Intent) error {
		<-block
		return nil
	})))
	defer close(block)

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)

	events, err := f.log.ReplayExecution(ctx, "t1", exec.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, wal.KindIntentAdmitted, events[0].Kind)
}

func TestDeniedByPolicyIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rl := &stubRealm{
		name: "guarded",
		regs: []realm.Registration{{
			IntentType: "guarded_op",
			Permitted: func(id smartcity.Identity) bool {
				return false
			},
		}},
		handle: func(realm.ExecutionContext, realm.Intent) error { return nil },
	}
	require.NoError(t, f.rt.Register(rl))

	identity := smartcity.Identity{UserID: "u1", TenantID: "t1"}
	_, err := f.rt.Admit(ctx, realm.Intent{IntentType: "guarded_op", TenantID: "t1"}, &identity)
	assert.Equal(t, fault.KindDeniedByPolicy, fault.KindOf(err))

	events, err := f.log.Read(ctx, "t1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, wal.KindEventEmitted, events[0].Kind)
	assert.Equal(t, "denied", events[0].Payload["event_type"])
}

func TestTenantMismatchAgainstSession(t *testing.T) {
	ctx := context.Background()
	rows := capability.NewMemoryRowStore()
	tokens := smartcity.NewTokenManager([]byte("secret"))
	sessions := smartcity.NewSessionManager(rows, tokens)

	f := newFixture(t, func(cfg *Config) {
		cfg.Rows = rows
		cfg.Log = wal.NewLog(rows)
		cfg.Sessions = sessions
	})
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil })))

	session, err := sessions.CreateAnonymous(ctx, nil)
	require.NoError(t, err)
	token, err := tokens.Issue("u1", "t2", nil, time.Hour)
	require.NoError(t, err)
	_, err = sessions.Upgrade(ctx, session.SessionID, "u1", "t2", token)
	require.NoError(t, err)

	_, err = f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo",
		TenantID:   "t1",
		SessionID:  session.SessionID,
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	assert.Equal(t, fault.KindTenantMismatch, fault.KindOf(err))
}

func TestHandlerErrorFailsExecution(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error {
		return fault.New(fault.KindDeniedByPolicy, "scope rejected")
	})))

	exec, err := f.rt.Admit(context.Background(), realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, fault.KindDeniedByPolicy, done.ErrorKind)
}

func TestHandlerPanicBecomesHandlerFault(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error {
		panic("boom")
	})))

	exec, err := f.rt.Admit(context.Background(), realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, fault.KindHandlerFault, done.ErrorKind)
}

func TestCompensationsRunInReverseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(ec realm.ExecutionContext, _ realm.Intent) error {
		for _, step := range []string{"alloc", "write", "index"} {
			name := step
			ec.Compensate(name, func(context.Context) error { return nil })
		}
		return errors.New("late failure")
	})))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)
	f.waitTerminal(t, "t1", exec.ExecutionID)

	events, err := f.log.ReplayExecution(ctx, "t1", exec.ExecutionID)
	require.NoError(t, err)
	var steps []string
	for _, event := range events {
		if event.Kind == wal.KindSagaCompensation {
			steps = append(steps, event.Payload["step"].(string))
		}
	}
	assert.Equal(t, []string{"index", "write", "alloc"}, steps)
}

func TestRetriableFailureIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	var attempts int32
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return fault.New(fault.KindTransientIO, "blip")
		}
		return nil
	})))

	exec, err := f.rt.Admit(context.Background(), realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestNonRetriableFailureIsNot(t *testing.T) {
	f := newFixture(t, nil)
	var attempts int32
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error {
		atomic.AddInt32(&attempts, 1)
		return fault.New(fault.KindIntegrityViolation, "broken")
	})))

	exec, err := f.rt.Admit(context.Background(), realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestTimeoutFailsExecution(t *testing.T) {
	f := newFixture(t, nil)
	rl := &stubRealm{
		name: "slow",
		regs: []realm.Registration{{IntentType: "slow_op", Timeout: 50 * time.Millisecond}},
		handle: func(ec realm.ExecutionContext, _ realm.Intent) error {
			<-ec.Context().Done()
			return ec.Context().Err()
		},
	}
	require.NoError(t, f.rt.Register(rl))

	exec, err := f.rt.Admit(context.Background(), realm.Intent{IntentType: "slow_op", TenantID: "t1"}, nil)
	require.NoError(t, err)

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, fault.KindTimeout, done.ErrorKind)
	assert.Equal(t, "timeout", done.Error)
}

// Scenario: cancel mid-execution. The handler suspends, the caller
// cancels, and registered compensations undo the side effects.
func TestCancelRunningExecutionCompensates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	started := make(chan struct{})
	compensated := make(chan struct{})
	rl := &stubRealm{
		name: "long",
		regs: []realm.Registration{{IntentType: "long_op"}},
		handle: func(ec realm.ExecutionContext, _ realm.Intent) error {
			ec.Compensate("remove-staged-bytes", func(context.Context) error {
				close(compensated)
				return nil
			})
			close(started)
			<-ec.Context().Done()
			return ec.Context().Err()
		},
	}
	require.NoError(t, f.rt.Register(rl))

	exec, err := f.rt.Admit(ctx, realm.Intent{IntentType: "long_op", TenantID: "t1"}, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, f.rt.Cancel(ctx, "t1", exec.ExecutionID))

	done := f.waitTerminal(t, "t1", exec.ExecutionID)
	assert.Equal(t, StatusCancelled, done.Status)

	select {
	case <-compensated:
	case <-time.After(time.Second):
		t.Fatal("compensation did not run")
	}

	err = f.rt.Cancel(ctx, "t1", exec.ExecutionID)
	assert.Equal(t, fault.KindAlreadyTerminal, fault.KindOf(err))
}

func TestCancelPendingExecution(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	f := newFixture(t, func(cfg *Config) {
		cfg.Workers = 1
	})
	var ran int32
	rl := &stubRealm{
		name: "gate",
		regs: []realm.Registration{{IntentType: "gate_op"}},
		handle: func(ec realm.ExecutionContext, intent realm.Intent) error {
			if intent.Parameters["blocker"] == true {
				<-release
				return nil
			}
			atomic.AddInt32(&ran, 1)
			return nil
		},
	}
	require.NoError(t, f.rt.Register(rl))

	blocker, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "gate_op", TenantID: "t1",
		Parameters: map[string]interface{}{"blocker": true},
	}, nil)
	require.NoError(t, err)

	victim, err := f.rt.Admit(ctx, realm.Intent{IntentType: "gate_op", TenantID: "t1"}, nil)
	require.NoError(t, err)

	require.NoError(t, f.rt.Cancel(ctx, "t1", victim.ExecutionID))
	close(release)

	f.waitTerminal(t, "t1", blocker.ExecutionID)
	done := f.waitTerminal(t, "t1", victim.ExecutionID)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestBackpressureRejectsWithOverloaded(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)

	f := newFixture(t, func(cfg *Config) {
		cfg.Workers = 1
		cfg.HighWaterMark = 1
	})
	rl := &stubRealm{
		name: "busy",
		regs: []realm.Registration{{IntentType: "busy_op"}},
		handle: func(ec realm.ExecutionContext, _ realm.Intent) error {
			<-release
			return nil
		},
	}
	require.NoError(t, f.rt.Register(rl))

	_, err := f.rt.Admit(ctx, realm.Intent{IntentType: "busy_op", TenantID: "t1"}, nil)
	require.NoError(t, err)

	// Give the lane a moment to pull the first execution off the queue.
	require.Eventually(t, func() bool {
		return f.rt.dispatch.depth("t1") == 0
	}, time.Second, 5*time.Millisecond)

	_, err = f.rt.Admit(ctx, realm.Intent{IntentType: "busy_op", TenantID: "t1"}, nil)
	require.NoError(t, err)

	_, err = f.rt.Admit(ctx, realm.Intent{IntentType: "busy_op", TenantID: "t1"}, nil)
	assert.Equal(t, fault.KindOverloaded, fault.KindOf(err))
}

// Subscriber delivery order equals log order, terminating with the
// terminal event.
func TestStreamDeliversLogOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(ec realm.ExecutionContext, _ realm.Intent) error {
		for _, phase := range []string{"one", "two", "three"} {
			if err := ec.EmitEvent("progress", map[string]interface{}{"phase": phase}); err != nil {
				return err
			}
		}
		return nil
	})))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)
	f.waitTerminal(t, "t1", exec.ExecutionID)

	stream, err := f.rt.Stream(ctx, "t1", exec.ExecutionID)
	require.NoError(t, err)

	var kinds []wal.Kind
	var seqs []uint64
	for event := range stream {
		kinds = append(kinds, event.Kind)
		seqs = append(seqs, event.Seq)
	}
	assert.Equal(t, []wal.Kind{
		wal.KindIntentAdmitted,
		wal.KindStepStarted,
		wal.KindEventEmitted,
		wal.KindEventEmitted,
		wal.KindEventEmitted,
		wal.KindStepCompleted,
		wal.KindExecutionTerminal,
	}, kinds)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestStreamUnknownExecution(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.rt.Stream(context.Background(), "t1", "nope")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

// Replaying the log reconstructs the terminal snapshot.
func TestReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(ec realm.ExecutionContext, _ realm.Intent) error {
		if err := ec.EmitEvent("progress", map[string]interface{}{"phase": "mid"}); err != nil {
			return err
		}
		_, err := ec.EmitArtifact(realm.ArtifactSpec{Name: "out", ArtifactType: "interpretation", Payload: []byte("v")})
		return err
	})))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)
	status := f.waitTerminal(t, "t1", exec.ExecutionID)

	replayed, err := f.rt.ReplayExecution(ctx, "t1", exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, status, replayed)
}

// After the terminal event nothing further is appended for the
// execution.
func TestTerminalityClosesTheLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil })))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)
	f.waitTerminal(t, "t1", exec.ExecutionID)

	events, err := f.log.ReplayExecution(ctx, "t1", exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, wal.KindExecutionTerminal, events[len(events)-1].Kind)
}

func TestCrossTenantStatusIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil })))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)

	_, err = f.rt.Status(ctx, "t2", exec.ExecutionID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

// gatedRows passes through to an inner store but parks the first reader of
// the executions table until released, holding a dispatcher lane between
// its pending-status read and its first log write.
type gatedRows struct {
	capability.RowStore
	entered chan struct{}
	release chan struct{}
	parked  atomic.Bool
}

func (g *gatedRows) Get(ctx context.Context, table, id string) (map[string]interface{}, error) {
	doc, err := g.RowStore.Get(ctx, table, id)
	if table == tableExecutions && g.parked.CompareAndSwap(false, true) {
		close(g.entered)
		<-g.release
	}
	return doc, err
}

func TestCancelRacingDispatchWritesOneTerminal(t *testing.T) {
	ctx := context.Background()
	rows := &gatedRows{
		RowStore: capability.NewMemoryRowStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	log := wal.NewLog(rows)
	rt := New(Config{
		Rows:    rows,
		PubSub:  capability.NewMemoryPubSub(),
		Log:     log,
		Plane:   artifact.NewPlane(rows, capability.NewMemoryBlobStore()),
		Workers: 1,
	})
	t.Cleanup(rt.Close)
	var ran int32
	require.NoError(t, rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})))

	exec, err := rt.Admit(ctx, realm.Intent{
		IntentType: "echo",
		TenantID:   "t1",
		Parameters: map[string]interface{}{"name": "doomed"},
	}, nil)
	require.NoError(t, err)

	// The lane has loaded the pending row and is parked; cancel wins the
	// race and the lane must not resurrect the execution.
	<-rows.entered
	require.NoError(t, rt.Cancel(ctx, "t1", exec.ExecutionID))
	close(rows.release)

	var final Execution
	require.Eventually(t, func() bool {
		e, err := rt.Status(ctx, "t1", exec.ExecutionID)
		if err != nil {
			return false
		}
		final = e
		return e.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Zero(t, atomic.LoadInt32(&ran))

	events, err := log.ReplayExecution(ctx, "t1", exec.ExecutionID)
	require.NoError(t, err)
	terminals := 0
	for _, event := range events {
		assert.NotEqual(t, wal.KindStepStarted, event.Kind)
		if event.Kind == wal.KindExecutionTerminal {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, wal.KindExecutionTerminal, events[len(events)-1].Kind)
}

func TestSettledExecutionRowRefusesLateWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.rt.Register(echoRealm(func(realm.ExecutionContext, realm.Intent) error { return nil })))

	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: "echo", TenantID: "t1",
		Parameters: map[string]interface{}{"name": "x"},
	}, nil)
	require.NoError(t, err)
	f.waitTerminal(t, "t1", exec.ExecutionID)

	_, err = f.rt.executions.update(ctx, exec.ExecutionID, func(e *Execution) {
		e.Status = StatusRunning
	})
	assert.Equal(t, fault.KindAlreadyTerminal, fault.KindOf(err))
}
