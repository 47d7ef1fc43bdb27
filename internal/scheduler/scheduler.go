// Package scheduler runs independent periodic tasks and
// hands each tick to the node's event loop.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

const logKeyTask = "task"

// Task is one periodic job. Run executes on the event
// loop, never on the ticker goroutine.
type Task struct { // A
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler owns one ticker goroutine per task. Tasks have
// no ordering guarantee relative to each other.
type Scheduler struct { // A
	submit func(fn func())
	log    *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Scheduler. submit must queue fn onto the
// event loop.
func New(submit func(fn func()), logger *slog.Logger) *Scheduler { // A
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Scheduler{submit: submit, log: logger}
}

// Every registers a task. Non-positive intervals disable
// it. Tasks added after Start begin immediately.
func (s *Scheduler) Every( // A
	name string,
	interval time.Duration,
	run func(ctx context.Context),
) {
	task := Task{Name: name, Interval: interval, Run: run}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	if s.running {
		s.launchWith(s.ctx, task)
	}
}

// Start launches every registered task. It is a no-op on
// a running scheduler.
func (s *Scheduler) Start(ctx context.Context) { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, task := range s.tasks {
		s.launchWith(s.ctx, task)
	}
}

func (s *Scheduler) launchWith(ctx context.Context, task Task) { // A
	if task.Interval <= 0 {
		s.log.Debug("task disabled", logKeyTask, task.Name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.submit(func() {
					if ctx.Err() != nil {
						return
					}
					task.Run(ctx)
				})
			}
		}
	}()
}

// Stop cancels every task and waits for the ticker
// goroutines to exit. Ticks already queued on the loop
// become no-ops.
func (s *Scheduler) Stop() { // A
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
