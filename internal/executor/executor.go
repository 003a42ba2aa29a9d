// Package executor runs named tasks one at a time on a single goroutine.
package executor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop and handed to Discard for tasks
// that never ran.
var ErrStopped = errors.New("executor stopped")

// Task is one unit of work. Run receives a context canceled by Stop. Discard,
// if set, is called instead of Run when the executor stops first.
type Task struct {
	Name    string
	Run     func(ctx context.Context) error
	Discard func(err error)
}

// Executor is a FIFO task runner. Submit never blocks; tasks run strictly in
// submission order.
type Executor struct {
	name   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []Task
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New starts an executor goroutine. Stop must be called to release it.
func New(name string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		name:   name,
		logger: logger.With(zap.String("executor", name)),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Submit enqueues task without waiting for it to run.
func (e *Executor) Submit(task Task) error {
	if task.Run == nil {
		return errors.New("task run func is required")
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.pending = append(e.pending, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop signals the executor to halt. The task currently running sees its
// context canceled; tasks not yet started are discarded. Stop does not wait;
// use Done for that.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
}

// Done is closed once the executor goroutine exits.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Pending returns the number of tasks waiting to run.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		task, ok := e.next()
		if !ok {
			e.drain()
			return
		}
		e.run(task)
	}
}

// next blocks until a task is available or the executor is stopped.
func (e *Executor) next() (Task, bool) {
	for {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return Task{}, false
		}
		if len(e.pending) > 0 {
			task := e.pending[0]
			e.pending[0] = Task{}
			e.pending = e.pending[1:]
			e.mu.Unlock()
			return task, true
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-e.ctx.Done():
		}
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()
	if err := task.Run(e.ctx); err != nil {
		e.logger.Warn("task failed", zap.String("task", task.Name), zap.Error(err))
	}
}

func (e *Executor) drain() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) > 0 {
		e.logger.Info("discarding pending tasks", zap.Int("count", len(pending)))
	}
	for _, task := range pending {
		if task.Discard != nil {
			task.Discard(ErrStopped)
		}
	}
}
