package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refN(n int) model.IssueRef {
	return model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: n}
}

func TestTryDispatchRunsAction(t *testing.T) {
	d := New(2)
	done := make(chan struct{})

	started := d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.True(t, started)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("action never ran")
	}
}

func TestTryDispatchRejectsSecondActionForSameIssue(t *testing.T) {
	d := New(4)
	release := make(chan struct{})
	started := d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.True(t, started)

	again := d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error { return nil })
	assert.False(t, again, "a second action for the same issue must be dropped, not queued")

	close(release)
}

func TestTryDispatchEnforcesGlobalCap(t *testing.T) {
	d := New(1)
	release := make(chan struct{})

	started := d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.True(t, started)

	blocked := d.TryDispatch(context.Background(), refN(2), func(ctx context.Context) error { return nil })
	assert.False(t, blocked, "a second issue must be dropped once the global cap is saturated")

	close(release)
}

func TestCancelStopsInFlightAction(t *testing.T) {
	d := New(2)
	var canceled atomic.Bool
	started := make(chan struct{})

	d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	})

	<-started
	ok := d.Cancel(refN(1))
	assert.True(t, ok)

	require.Eventually(t, func() bool { return canceled.Load() }, time.Second, time.Millisecond)
}

func TestCancelAndAwaitBlocksUntilActionReturns(t *testing.T) {
	d := New(2)
	started := make(chan struct{})
	var canceled atomic.Bool

	d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // simulate cleanup taking a moment
		canceled.Store(true)
		return ctx.Err()
	})
	<-started

	ok := d.CancelAndAwait(context.Background(), refN(1), time.Second)
	assert.True(t, ok)
	assert.True(t, canceled.Load(), "CancelAndAwait must not return before the action has finished")
	assert.False(t, d.IsRunning(refN(1)))
}

func TestCancelAndAwaitIsNoopWhenIdle(t *testing.T) {
	d := New(2)
	ok := d.CancelAndAwait(context.Background(), refN(1), time.Second)
	assert.True(t, ok)
}

func TestCancelAndAwaitTimesOutIfActionIgnoresCancellation(t *testing.T) {
	d := New(2)
	started := make(chan struct{})
	release := make(chan struct{})

	d.TryDispatch(context.Background(), refN(1), func(ctx context.Context) error {
		close(started)
		<-release // never observes ctx.Done()
		return nil
	})
	<-started

	ok := d.CancelAndAwait(context.Background(), refN(1), 20*time.Millisecond)
	assert.False(t, ok, "grace period must elapse if the action never honors cancellation")

	close(release)
}

func TestInFlightCountReflectsConcurrency(t *testing.T) {
	d := New(4)
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		wg.Add(1)
		ok := d.TryDispatch(context.Background(), refN(i), func(ctx context.Context) error {
			defer wg.Done()
			<-release
			return nil
		})
		require.True(t, ok)
	}

	require.Eventually(t, func() bool { return d.InFlightCount() == 3 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	require.Eventually(t, func() bool { return d.InFlightCount() == 0 }, time.Second, time.Millisecond)
}
