package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler fires the due-job launcher on a fixed cadence. One launch also
// happens immediately on Start, so jobs that came due while the process was
// down start without waiting out a full interval.
type Scheduler struct {
	interval time.Duration
	launch   func(context.Context)

	lastRun atomic.Int64 // unix nanos of the last completed launch

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(interval time.Duration, launch func(context.Context)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if launch == nil {
		return nil, errors.New("scheduler needs a launch function")
	}
	return &Scheduler{interval: interval, launch: launch}, nil
}

// Start brings the loop up. It reports false when the loop is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)

	slog.Info("job scheduler started", "interval", s.interval.String())
	return true
}

// Stop cancels the loop and waits for an in-flight launch to return. It
// reports false when the loop was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}

	s.cancel()
	<-s.done
	s.running = false

	slog.Info("job scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// LastRun reports when the most recent launch finished, or the zero time when
// none has run yet.
func (s *Scheduler) LastRun() time.Time {
	nanos := s.lastRun.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("job scheduler stopping")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job launch panicked", "panic", r)
		}
	}()

	start := time.Now()
	s.launch(ctx)
	s.lastRun.Store(time.Now().UnixNano())
	slog.Debug("job launch pass finished", "duration_ms", time.Since(start).Milliseconds())
}
