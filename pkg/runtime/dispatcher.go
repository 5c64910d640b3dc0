package runtime

import (
	"context"
	"sync"

	"github.com/loomworks/fabric/pkg/fault"
)

const (
	// DefaultGlobalWorkers bounds concurrent handler invocations across
	// all tenants.
	DefaultGlobalWorkers = 8
	// DefaultQueueHighWaterMark is the per-tenant queue depth at which
	// admission starts rejecting with overloaded.
	DefaultQueueHighWaterMark = 256
)

// dispatcher runs executions with per-tenant FIFO ordering. Each tenant
// gets one lane goroutine (parallelism 1 within a tenant); lanes compete
// for a global worker pool so a slow tenant cannot starve the others.
type dispatcher struct {
	run   func(ctx context.Context, tenantID, executionID string)
	slots chan struct{}
	hwm   int

	mu     sync.Mutex
	lanes  map[string]chan string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(workers, hwm int, run func(ctx context.Context, tenantID, executionID string)) *dispatcher {
	if workers <= 0 {
		workers = DefaultGlobalWorkers
	}
	if hwm <= 0 {
		hwm = DefaultQueueHighWaterMark
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		run:    run,
		slots:  make(chan struct{}, workers),
		hwm:    hwm,
		lanes:  make(map[string]chan string),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue adds an execution to its tenant lane. A full lane means the
// tenant is over its high-water mark.
func (d *dispatcher) enqueue(tenantID, executionID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fault.New(fault.KindOverloaded, "runtime is shutting down")
	}
	lane, ok := d.lanes[tenantID]
	if !ok {
		lane = make(chan string, d.hwm)
		d.lanes[tenantID] = lane
		d.wg.Add(1)
		go d.drain(tenantID, lane)
	}
	d.mu.Unlock()

	select {
	case lane <- executionID:
		return nil
	default:
		return fault.Newf(fault.KindOverloaded, "tenant %s queue is at its high-water mark", tenantID)
	}
}

// drain is one tenant lane: admission order in, one execution at a time.
func (d *dispatcher) drain(tenantID string, lane chan string) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case executionID := <-lane:
			select {
			case d.slots <- struct{}{}:
			case <-d.ctx.Done():
				return
			}
			d.run(d.ctx, tenantID, executionID)
			<-d.slots
		}
	}
}

// close stops accepting work and waits for lanes to wind down.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// totalDepth reports queued work across all tenant lanes.
func (d *dispatcher) totalDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, lane := range d.lanes {
		total += len(lane)
	}
	return total
}

// depth reports the queued work for a tenant, for observability.
func (d *dispatcher) depth(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lane, ok := d.lanes[tenantID]; ok {
		return len(lane)
	}
	return 0
}
