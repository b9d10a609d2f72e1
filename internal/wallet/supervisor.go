package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/p2pex/pkg/metrics"
)

// Supervisor owns the background confirmation tasks. At most one task runs
// per key (deposit:<hash>, withdrawal:<id>). Tasks run on a context derived
// from the supervisor, never from the request that launched them, and are
// cancelled together on Shutdown.
type Supervisor struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]struct{}
	closed bool
}

// NewSupervisor creates a new task supervisor
func NewSupervisor(logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger: logger.Named("supervisor"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]struct{}),
	}
}

// Go launches fn under key. It returns false when a task with the same key
// is already running or the supervisor is shut down.
func (s *Supervisor) Go(key string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, running := s.tasks[key]; running {
		return false
	}
	s.tasks[key] = struct{}{}
	s.wg.Add(1)
	metrics.InFlightConfirmations.Inc()

	go s.run(key, fn)
	return true
}

func (s *Supervisor) run(key string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", zap.String("key", key), zap.Any("panic", r))
		}
		s.mu.Lock()
		delete(s.tasks, key)
		s.mu.Unlock()
		metrics.InFlightConfirmations.Dec()
		s.wg.Done()
	}()

	if err := fn(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			s.logger.Info("Task interrupted by shutdown", zap.String("key", key))
			return
		}
		s.logger.Warn("Task finished with error", zap.String("key", key), zap.Error(err))
	}
}

// Running reports whether a task holds key.
func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// InFlight returns the keys of running tasks, sorted.
func (s *Supervisor) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wait blocks until every running task returns.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting tasks, cancels the running ones and waits for
// them until ctx expires. Interrupted records keep their persisted in-flight
// status and are picked up by Resume on the next start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	inFlight := len(s.tasks)
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Supervisor stopped", zap.Int("cancelled_tasks", inFlight))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %d tasks still running: %w", len(s.InFlight()), ctx.Err())
	}
}
