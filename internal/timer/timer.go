// Package timer implements the periodic-timer abstraction the mapper core
// uses for heartbeat reaping and offline-redelivery sweeps (spec §6
// "Timer"). Not present in the teacher: zephyrcache's only liveness
// mechanism is an etcd lease, owned by the discovery layer rather than the
// application. Enriched from johnjansen-torua's
// internal/coordinator/health_monitor.go Start/Stop/ticker+select+
// context.Done() shape, generalized from one hardcoded health-check loop
// into N independently named, independently intervaled callbacks.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/akeem/nanite/internal/logging"
)

// Task is one periodic callback registered with a Scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context)
}

// Scheduler runs a fixed set of named periodic tasks, each on its own
// ticker, until Stop is called.
type Scheduler struct {
	tasks  []Task
	log    logging.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler with no tasks registered yet.
func New(log logging.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Every registers fn to run every interval once Start is called. Calling
// Every after Start has no effect on already-running tasks; register
// everything before starting (spec §6 "Every(duration, callback)").
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Fn: fn})
}

// Start launches one goroutine per registered task. It returns immediately;
// tasks run until the derived context is cancelled by Stop or by ctx itself.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, task := range s.tasks {
		task := task
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx, task)
		}()
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	if s.log != nil {
		s.log.Debug("timer task started", "task", task.Name, "interval", task.Interval)
	}

	for {
		select {
		case <-ticker.C:
			task.Fn(ctx)
		case <-ctx.Done():
			if s.log != nil {
				s.log.Debug("timer task stopped", "task", task.Name)
			}
			return
		}
	}
}

// Stop cancels every running task and waits for its goroutine to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
