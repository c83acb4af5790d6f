package location

import (
	"context"
	"sync"
	"time"

	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
)

// Runner is an in-process TaskManager. Each started task samples the
// provider on a ticker and delivers fixes that moved at least the task's
// distance interval since the last delivered one.
type Runner struct {
	provider Provider

	mu      sync.RWMutex
	defined map[string]TaskFunc
	running map[string]*runningTask
}

type runningTask struct {
	opts   TaskOptions
	stopCh chan struct{}
	wg     sync.WaitGroup
	last   *Sample
}

// NewRunner creates a Runner sampling provider.
func NewRunner(provider Provider) *Runner {
	return &Runner{
		provider: provider,
		defined:  make(map[string]TaskFunc),
		running:  make(map[string]*runningTask),
	}
}

// Define registers fn under name. Redefining replaces the callback for
// future starts.
func (r *Runner) Define(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defined[name] = fn
}

// Start runs the named task with opts. Starting a running task restarts it
// with the new options.
func (r *Runner) Start(ctx context.Context, name string, opts TaskOptions) error {
	if opts.TimeInterval <= 0 {
		return errors.New(errors.ErrInvalid, "task interval must be positive")
	}

	r.mu.Lock()
	fn, ok := r.defined[name]
	if !ok {
		r.mu.Unlock()
		return errors.New(errors.ErrNotFound, "task not defined: "+name)
	}
	prev := r.running[name]
	task := &runningTask{opts: opts, stopCh: make(chan struct{})}
	r.running[name] = task
	r.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	task.wg.Add(1)
	go r.loop(ctx, name, task, fn)

	logging.Info("Location task started", map[string]interface{}{
		"task":            name,
		"interval_s":      opts.TimeInterval.Seconds(),
		"distance_m":      opts.DistanceInterval,
		"accuracy":        opts.Accuracy.String(),
		"foreground_only": opts.ForegroundOnly,
	})
	return nil
}

// Stop halts the named task and waits for an in-progress invocation.
func (r *Runner) Stop(name string) error {
	r.mu.Lock()
	task, ok := r.running[name]
	delete(r.running, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	task.stop()
	logging.Info("Location task stopped", map[string]interface{}{"task": name})
	return nil
}

// IsRunning reports whether the named task is started.
func (r *Runner) IsRunning(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.running[name]
	return ok
}

// Close stops every running task.
func (r *Runner) Close() {
	r.mu.Lock()
	tasks := r.running
	r.running = make(map[string]*runningTask)
	r.mu.Unlock()

	for _, task := range tasks {
		task.stop()
	}
}

func (t *runningTask) stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, task *runningTask, fn TaskFunc) {
	defer task.wg.Done()

	ticker := time.NewTicker(task.opts.TimeInterval)
	defer ticker.Stop()

	r.tick(ctx, task, fn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-task.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx, task, fn)
		}
	}
}

func (r *Runner) tick(ctx context.Context, task *runningTask, fn TaskFunc) {
	sample, err := r.provider.CurrentPosition(ctx, task.opts.Accuracy)
	if err != nil {
		fn(ctx, nil, err)
		return
	}
	if task.last != nil && Distance(*task.last, sample) < task.opts.DistanceInterval {
		return
	}
	task.last = &sample
	fn(ctx, []Sample{sample}, nil)
}
