// Package serial runs submitted jobs one at a time, in submission order.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrStopped = errors.New("serial worker stopped")

type Job func(ctx context.Context)

// Worker is a single-goroutine executor. Jobs never overlap, so code run on
// one worker needs no locking against other jobs of the same worker.
type Worker struct {
	name   string
	jobs   chan Job
	done   chan struct{}
	logger *slog.Logger
}

func New(name string, backlog int, logger *slog.Logger) *Worker {
	if backlog < 1 {
		backlog = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:   name,
		jobs:   make(chan Job, backlog),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (w *Worker) Name() string { return w.name }

// Submit queues job, blocking while the backlog is full.
func (w *Worker) Submit(ctx context.Context, job Job) error {
	select {
	case <-w.done:
		return fmt.Errorf("%s: %w", w.name, ErrStopped)
	default:
	}
	select {
	case w.jobs <- job:
		return nil
	case <-w.done:
		return fmt.Errorf("%s: %w", w.name, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes jobs until ctx is cancelled. A panicking job is logged and
// the worker keeps going.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-w.jobs:
			w.exec(ctx, job)
		}
	}
}

func (w *Worker) exec(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("serial job panicked", "component", "serial", "worker", w.name, "panic", fmt.Sprint(r))
		}
	}()
	job(ctx)
}
