// Package tasks is a small fire-and-forget work queue: callers enqueue and
// move on, workers log failures. Task errors never reach the enqueuing
// caller.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/pool"
)

type Task func(ctx context.Context) error

type Queue struct {
	logger  *slog.Logger
	ch      chan namedTask
	workers *pool.Pool
	done    chan struct{}
}

type namedTask struct {
	name string
	task Task
}

type Config struct {
	Workers int
	Buffer  int
}

func NewQueue(logger *slog.Logger, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Queue{
		logger:  logger,
		ch:      make(chan namedTask, cfg.Buffer),
		workers: pool.New().WithMaxGoroutines(cfg.Workers),
		done:    make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled, then waits for in-flight
// tasks to finish.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			q.workers.Wait()
			return
		case nt := <-q.ch:
			q.workers.Go(func() {
				q.execute(ctx, nt)
			})
		}
	}
}

// Enqueue hands the task to the workers. It blocks only when the buffer is
// full and reports whether the task was accepted; it is never an error from
// the task itself.
func (q *Queue) Enqueue(name string, task Task) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- namedTask{name: name, task: task}:
		return true
	case <-q.done:
		return false
	}
}

func (q *Queue) execute(ctx context.Context, nt namedTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "task", nt.name, "panic", fmt.Sprint(r))
		}
	}()
	if err := nt.task(ctx); err != nil {
		q.logger.Error("task failed", "task", nt.name, "err", err)
	}
}
