// Package tasks runs named, restartable units of background work. Starting a
// task under a name that is already running cancels the previous instance
// first, so there is at most one live instance per name at any time.
// Cancellation is cooperative: task funcs must honour their context, and a
// superseded instance must not apply results after its context is cancelled.
package tasks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner owns a table of named cancellable tasks.
type Runner struct {
	mu     sync.Mutex
	logger zerolog.Logger
	tasks  map[string]*instance
}

type instance struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates an empty task table.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		logger: logger,
		tasks:  make(map[string]*instance),
	}
}

// Start launches fn in a goroutine under the given name, cancelling any prior
// instance of that name first. The context passed to fn is derived from ctx
// and is cancelled when the instance is superseded or cancelled by name.
func (r *Runner) Start(ctx context.Context, name string, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)
	inst := &instance{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if prev, ok := r.tasks[name]; ok {
		prev.cancel()
		r.logger.Debug().Str("task", name).Str("superseded", prev.id).Msg("Task restarted")
	}
	r.tasks[name] = inst
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(inst.done)
			r.mu.Lock()
			if cur, ok := r.tasks[name]; ok && cur == inst {
				delete(r.tasks, name)
			}
			r.mu.Unlock()
		}()
		fn(taskCtx)
	}()
}

// Cancel stops the named task if it is running. Cancelling a name that is
// not running is a no-op.
func (r *Runner) Cancel(name string) {
	r.mu.Lock()
	inst, ok := r.tasks[name]
	if ok {
		delete(r.tasks, name)
	}
	r.mu.Unlock()

	if ok {
		inst.cancel()
		r.logger.Debug().Str("task", name).Str("id", inst.id).Msg("Task cancelled")
	}
}

// CancelAll stops every running task.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	all := make([]*instance, 0, len(r.tasks))
	for name, inst := range r.tasks {
		all = append(all, inst)
		delete(r.tasks, name)
	}
	r.mu.Unlock()

	for _, inst := range all {
		inst.cancel()
	}
}

// Running reports whether a task is currently live under the given name.
func (r *Runner) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[name]
	return ok
}

// Wait blocks until the named task finishes. It returns immediately when no
// task is running under that name. Intended for tests.
func (r *Runner) Wait(name string) {
	r.mu.Lock()
	inst, ok := r.tasks[name]
	r.mu.Unlock()
	if ok {
		<-inst.done
	}
}
