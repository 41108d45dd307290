// Package dispatcher runs workflow actions with bounded concurrency and
// at-most-one-in-flight-per-issue semantics (spec.md §4.2, §5). It is the
// one part of the engine the teacher's orchestrator never had — the
// teacher dispatched synchronously from the webhook handler — so the
// concurrency primitive is grounded in the rest of the pack instead:
// golang.org/x/sync/semaphore, used the same way in jordigilh-kubernaut
// for bounding concurrent reconcile workers.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kilnhq/kiln/internal/metrics"
	"github.com/kilnhq/kiln/internal/model"
)

// Action is one unit of dispatchable work for a single issue.
type Action func(ctx context.Context) error

type inflightEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher bounds total concurrent actions and guarantees at most one
// action in flight per issue at a time. A collision (an issue already
// running) is dropped, not queued: the next poll tick will see the
// issue's state unchanged and try again (spec.md §4.2).
type Dispatcher struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[model.IssueRef]*inflightEntry
}

// New creates a Dispatcher allowing up to maxConcurrent actions at once.
func New(maxConcurrent int) *Dispatcher {
	return &Dispatcher{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		inFlight: make(map[model.IssueRef]*inflightEntry),
	}
}

// TryDispatch starts action for ref in a new goroutine if neither the
// issue nor the global concurrency cap is already saturated. It returns
// false immediately, without starting anything, if either is — this is
// the backpressure the poll loop relies on to never block (spec.md §5).
func (d *Dispatcher) TryDispatch(ctx context.Context, ref model.IssueRef, action Action) bool {
	d.mu.Lock()
	if _, busy := d.inFlight[ref]; busy {
		d.mu.Unlock()
		metrics.DispatcherDroppedTotal.Inc()
		return false
	}
	if !d.sem.TryAcquire(1) {
		d.mu.Unlock()
		metrics.DispatcherDroppedTotal.Inc()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	entry := &inflightEntry{cancel: cancel, done: make(chan struct{})}
	d.inFlight[ref] = entry
	d.mu.Unlock()
	metrics.DispatcherInFlight.Set(float64(d.InFlightCount()))

	go func() {
		defer d.sem.Release(1)
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, ref)
			d.mu.Unlock()
			cancel()
			close(entry.done)
			metrics.DispatcherInFlight.Set(float64(d.InFlightCount()))
		}()
		_ = action(runCtx)
	}()

	return true
}

// Cancel stops the in-flight action for ref, if any, by canceling its
// context. Used by the Reconciler's reset path (spec.md §4.1): a reset
// label must interrupt whatever stage is currently running.
func (d *Dispatcher) Cancel(ref model.IssueRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.inFlight[ref]
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// CancelAndAwait cancels ref's in-flight action, if any, and blocks until
// it has returned (observed via the dispatcher removing it from the
// in-flight set) or grace elapses. It reports whether the issue was idle
// by the time it returned, which callers use to decide whether it is now
// safe to dispatch a superseding action such as reset (spec.md §4.2:
// "waits for it to finish before proceeding").
func (d *Dispatcher) CancelAndAwait(ctx context.Context, ref model.IssueRef, grace time.Duration) bool {
	d.mu.Lock()
	entry, ok := d.inFlight[ref]
	d.mu.Unlock()
	if !ok {
		return true
	}
	entry.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-entry.done:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// IsRunning reports whether ref currently has an in-flight action.
func (d *Dispatcher) IsRunning(ref model.IssueRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inFlight[ref]
	return busy
}

// InFlightCount returns the number of issues currently running an action,
// exposed as a metrics gauge (SPEC_FULL.md §3).
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
