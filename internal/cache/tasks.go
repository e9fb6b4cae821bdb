package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskSupervisor runs fire-and-forget persistence work. Failures and panics are
// logged and never reach the caller that scheduled the task. Shutdown waits for
// every started task to finish; nothing is cancelled mid-write.
type TaskSupervisor struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string]struct{}
	running int
	closed  bool
	ctx     context.Context
	logger  *zap.Logger
}

func NewTaskSupervisor(logger *zap.Logger) *TaskSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TaskSupervisor{
		pending: make(map[string]struct{}),
		// Tasks outlive the request that started them and are drained, not cancelled
		ctx:    context.Background(),
		logger: logger,
	}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// Go starts fn in the background. It returns false when the supervisor is shut down.
func (t *TaskSupervisor) Go(op, key string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.start()
	t.mu.Unlock()

	go t.run(op, key, fn, nil)
	return true
}

// GoUnique is Go with deduplication by key: while a task for key is running,
// further requests for the same key are dropped and return false.
func (t *TaskSupervisor) GoUnique(op, key string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if _, busy := t.pending[key]; busy {
		t.mu.Unlock()
		t.logger.Debug("Skipping duplicate background write", zap.String("op", op), zap.String("key", key))
		return false
	}
	t.pending[key] = struct{}{}
	t.start()
	t.mu.Unlock()

	go t.run(op, key, fn, func() {
		delete(t.pending, key)
	})
	return true
}

// start must be called with mu held
func (t *TaskSupervisor) start() {
	t.running++
}

func (t *TaskSupervisor) run(op, key string, fn func(ctx context.Context) error, release func()) {
	id := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Background task panicked",
				zap.String("task_id", id),
				zap.String("op", op),
				zap.String("key", key),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
		t.mu.Lock()
		if release != nil {
			release()
		}
		t.running--
		if t.running == 0 {
			t.idle.Broadcast()
		}
		t.mu.Unlock()
	}()

	if err := fn(t.ctx); err != nil {
		t.logger.Warn("Background task failed",
			zap.String("task_id", id),
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Pending reports whether a deduplicated task for key is in flight
func (t *TaskSupervisor) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Running is the number of tasks started and not yet finished
func (t *TaskSupervisor) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Wait blocks until no task is running
func (t *TaskSupervisor) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.running > 0 {
		t.idle.Wait()
	}
}

// Shutdown refuses new tasks and drains the ones in flight
func (t *TaskSupervisor) Shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Wait()
}
