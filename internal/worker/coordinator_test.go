package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/reconcile/internal/types"
)

// mockQueue implements QueueProcessor and QueueCleaner for coordinator tests.
type mockQueue struct {
	mu           sync.Mutex
	ready        bool
	processCalls int
	processErr   error
	cleanupCalls int
	clearCalls   int
	clearErr     error
	lastMaxAge   time.Duration
}

func (m *mockQueue) ProcessQueue(context.Context) (types.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processCalls++
	if m.processErr != nil {
		return types.ProcessResult{}, m.processErr
	}
	return types.ProcessResult{Processed: 1, Succeeded: 1}, nil
}

func (m *mockQueue) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *mockQueue) Cleanup(_ context.Context, maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupCalls++
	m.lastMaxAge = maxAge
	return 2
}

func (m *mockQueue) ClearCompleted(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalls++
	return 3, m.clearErr
}

func (m *mockQueue) snapshot() (process, cleanup, cleared int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processCalls, m.cleanupCalls, m.clearCalls
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if cond() {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func runUntil(t *testing.T, run func(context.Context), cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	ok := waitFor(cond, 2*time.Second)
	cancel()
	<-done
	if !ok {
		t.Fatal("timed out waiting for coordinator")
	}
}

func TestProcessCoordinator_RunsImmediately(t *testing.T) {
	q := &mockQueue{ready: true}
	coord := NewProcessCoordinator(q, time.Hour, nil)

	runUntil(t, coord.Run, func() bool {
		p, _, _ := q.snapshot()
		return p >= 1
	})
}

func TestProcessCoordinator_RunsOnEachTick(t *testing.T) {
	q := &mockQueue{ready: true}
	coord := NewProcessCoordinator(q, 10*time.Millisecond, nil)

	runUntil(t, coord.Run, func() bool {
		p, _, _ := q.snapshot()
		return p >= 3
	})
}

func TestProcessCoordinator_SkipsWhenNotReadyOrOffline(t *testing.T) {
	ctx := context.Background()

	notReady := &mockQueue{ready: false}
	NewProcessCoordinator(notReady, time.Hour, nil).processOnce(ctx)
	if p, _, _ := notReady.snapshot(); p != 0 {
		t.Errorf("processed %d times while not ready", p)
	}

	var online atomic.Bool
	q := &mockQueue{ready: true}
	coord := NewProcessCoordinator(q, time.Hour, online.Load)
	coord.processOnce(ctx)
	if p, _, _ := q.snapshot(); p != 0 {
		t.Errorf("processed %d times while offline", p)
	}

	online.Store(true)
	coord.processOnce(ctx)
	if p, _, _ := q.snapshot(); p != 1 {
		t.Errorf("processed %d times once online, want 1", p)
	}
}

func TestProcessCoordinator_ContinuesAfterErrors(t *testing.T) {
	q := &mockQueue{ready: true, processErr: errors.New("database is locked")}
	coord := NewProcessCoordinator(q, 10*time.Millisecond, nil)

	runUntil(t, coord.Run, func() bool {
		p, _, _ := q.snapshot()
		return p >= 2
	})
}

func TestCleanupCoordinator_DoesNotRunImmediately(t *testing.T) {
	q := &mockQueue{}
	coord := NewCleanupCoordinator(q, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if _, c, cl := q.snapshot(); c != 0 || cl != 0 {
		t.Errorf("cleanup ran before first tick: cleanup=%d clear=%d", c, cl)
	}
}

func TestCleanupCoordinator_RunsBothSteps(t *testing.T) {
	q := &mockQueue{clearErr: errors.New("disk full")}
	coord := NewCleanupCoordinator(q, 10*time.Millisecond, 48*time.Hour)

	runUntil(t, coord.Run, func() bool {
		_, c, cl := q.snapshot()
		return c >= 2 && cl >= 2
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastMaxAge != 48*time.Hour {
		t.Errorf("maxAge = %v, want 48h", q.lastMaxAge)
	}
}
