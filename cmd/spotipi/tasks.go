package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskSet runs fire-and-forget work (network commands, background fetches,
// the pairing listener) on a bounded, tracked group of goroutines.
//
// Go never blocks: when the limit is reached the task is dropped and the
// caller is told so. Tasks report their own errors through the logger; the
// group never cancels siblings.
type TaskSet struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool

	inFlight atomic.Int64
	dropped  atomic.Int64
}

// NewTaskSet creates a task set whose tasks are cancelled when parent is
// done or Shutdown is called. limit <= 0 means unbounded.
func NewTaskSet(parent context.Context, limit int, logger *slog.Logger) *TaskSet {
	ctx, cancel := context.WithCancel(parent)
	s := &TaskSet{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if limit > 0 {
		s.group.SetLimit(limit)
	}
	return s
}

// Go starts fn on its own goroutine. It returns false (and logs) if the set
// is saturated or shutting down.
func (s *TaskSet) Go(name string, fn func(ctx context.Context)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logger.Debug("task rejected: shutting down", "task", name)
		return false
	}

	started := s.group.TryGo(func() error {
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		fn(s.ctx)
		return nil
	})
	if !started {
		s.dropped.Add(1)
		s.logger.Warn("task dropped: too many in flight", "task", name)
	}
	return started
}

// Context is the context tasks run under.
func (s *TaskSet) Context() context.Context {
	return s.ctx
}

// InFlight returns the number of running tasks.
func (s *TaskSet) InFlight() int {
	return int(s.inFlight.Load())
}

// Dropped returns how many tasks were rejected because the set was full.
func (s *TaskSet) Dropped() int {
	return int(s.dropped.Load())
}

// Shutdown stops accepting tasks, cancels the running ones and waits up to
// timeout for them to return.
func (s *TaskSet) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%d tasks still running after %v", s.InFlight(), timeout)
	}
}
