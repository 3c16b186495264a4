package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// tickCounter stands in for the due-job launcher.
type tickCounter struct {
	calls atomic.Int64

	mu  sync.Mutex
	ctx context.Context
}

func (c *tickCounter) tick(ctx context.Context) {
	c.mu.Lock()
	if c.ctx == nil {
		c.ctx = ctx
	}
	c.mu.Unlock()
	c.calls.Add(1)
}

func (c *tickCounter) capturedCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *tickCounter) waitForCalls(t *testing.T, n int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if c.calls.Load() >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d ticks (got %d)", n, c.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	if s, err := New(0, func(context.Context) {}); err == nil || s != nil {
		t.Fatalf("New(0, fn) = (%#v, %v), want error", s, err)
	}
	if s, err := New(-time.Second, func(context.Context) {}); err == nil || s != nil {
		t.Fatalf("New(-1s, fn) = (%#v, %v), want error", s, err)
	}
	if s, err := New(100*time.Millisecond, nil); err == nil || s != nil {
		t.Fatalf("New(_, nil) = (%#v, %v), want error", s, err)
	}
}

func TestScheduler_StartStopLifecycle(t *testing.T) {
	tick := &tickCounter{}
	s, err := New(10*time.Millisecond, tick.tick)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s.Interval() != 10*time.Millisecond {
		t.Fatalf("Interval() = %v", s.Interval())
	}
	if s.IsRunning() {
		t.Fatal("scheduler must not run before Start")
	}

	if !s.Start() {
		t.Fatal("first Start must succeed")
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning must be true after Start")
	}
	if s.Start() {
		t.Fatal("second Start must report already running")
	}

	// The first tick fires on Start so overdue jobs launch immediately.
	tick.waitForCalls(t, 1, 500*time.Millisecond)

	if !s.Stop() {
		t.Fatal("first Stop must succeed")
	}
	if s.IsRunning() {
		t.Fatal("IsRunning must be false after Stop")
	}
	if s.Stop() {
		t.Fatal("second Stop must report already stopped")
	}

	// No ticks may arrive once Stop has returned.
	before := tick.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if after := tick.calls.Load(); after != before {
		t.Fatalf("ticks after Stop: before=%d after=%d", before, after)
	}
}

func TestScheduler_ImmediateTickWithLongInterval(t *testing.T) {
	tick := &tickCounter{}
	s, err := New(10*time.Second, tick.tick)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !s.Start() {
		t.Fatal("Start failed")
	}
	defer s.Stop()

	tick.waitForCalls(t, 1, 500*time.Millisecond)
}

func TestScheduler_RecoversPanickingTick(t *testing.T) {
	var calls atomic.Int64
	var panicked atomic.Bool

	s, err := New(10*time.Millisecond, func(context.Context) {
		if panicked.CompareAndSwap(false, true) {
			panic("launcher fault")
		}
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !s.Start() {
		t.Fatal("Start failed")
	}
	defer s.Stop()

	// The panicking first tick must not kill the loop.
	deadline := time.Now().Add(750 * time.Millisecond)
	for calls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("no ticks after recovered panic (got %d)", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_Restartable(t *testing.T) {
	tick := &tickCounter{}
	s, err := New(10*time.Millisecond, tick.tick)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !s.Start() {
			t.Fatalf("iteration %d: Start failed", i)
		}
		tick.waitForCalls(t, 1, 750*time.Millisecond)
		if !s.Stop() {
			t.Fatalf("iteration %d: Stop failed", i)
		}
		tick.calls.Store(0)
	}
}

func TestScheduler_TracksLastRun(t *testing.T) {
	tick := &tickCounter{}
	s, err := New(10*time.Millisecond, tick.tick)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !s.LastRun().IsZero() {
		t.Fatalf("LastRun before any launch = %v, want zero", s.LastRun())
	}

	if !s.Start() {
		t.Fatal("Start failed")
	}
	defer s.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for s.LastRun().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("LastRun not recorded after launches ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_TickContextCancelledOnStop(t *testing.T) {
	tick := &tickCounter{}
	s, err := New(10*time.Millisecond, tick.tick)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !s.Start() {
		t.Fatal("Start failed")
	}
	tick.waitForCalls(t, 1, 500*time.Millisecond)

	if !s.Stop() {
		t.Fatal("Stop failed")
	}

	ctx := tick.capturedCtx()
	if ctx == nil {
		t.Fatal("tick context not captured")
	}
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("tick context not cancelled after Stop")
	}
}
