package cycle

import (
	"context"
	"sync"
	"time"

	"forge/internal/domain"
	"forge/internal/logging"
)

// Supervisor runs at most one background phase goroutine per task.
// Starting a new phase cancels the prior one and waits for it to unwind,
// so per-task phase work never overlaps.
type Supervisor struct {
	logger logging.Logger

	mu    sync.Mutex
	slots map[string]*supervisorSlot
}

type supervisorSlot struct {
	phase  domain.CyclePhase
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(logger logging.Logger) *Supervisor {
	return &Supervisor{
		logger: logging.OrNop(logger),
		slots:  map[string]*supervisorSlot{},
	}
}

// Start launches fn for the task, replacing any prior phase goroutine.
// When fn overruns timeout it is canceled and onTimeout fires once fn has
// returned. Panics in fn are logged, never propagated.
func (s *Supervisor) Start(taskID string, phase domain.CyclePhase, timeout time.Duration, fn func(ctx context.Context) error, onTimeout func()) {
	s.Cancel(taskID)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	slot := &supervisorSlot{phase: phase, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.slots[taskID] = slot
	s.mu.Unlock()

	go func() {
		defer close(slot.done)
		defer cancel()

		err := s.run(ctx, taskID, phase, fn)

		s.mu.Lock()
		if s.slots[taskID] == slot {
			delete(s.slots, taskID)
		}
		s.mu.Unlock()

		if err != nil && context.Cause(ctx) == context.DeadlineExceeded && onTimeout != nil {
			s.logger.Warn("task %s: phase %s exceeded its %s budget", taskID, phase, timeout)
			onTimeout()
		}
	}()
}

func (s *Supervisor) run(ctx context.Context, taskID string, phase domain.CyclePhase, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task %s: phase %s panicked: %v", taskID, phase, r)
			err = context.Canceled
		}
	}()
	err = fn(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("task %s: phase %s failed: %v", taskID, phase, err)
	}
	return err
}

// Cancel stops the task's current phase goroutine, if any, and waits for
// it to finish.
func (s *Supervisor) Cancel(taskID string) {
	s.mu.Lock()
	slot := s.slots[taskID]
	if slot != nil {
		delete(s.slots, taskID)
	}
	s.mu.Unlock()
	if slot == nil {
		return
	}
	slot.cancel()
	<-slot.done
}

// ActiveCount reports how many tasks currently have a phase goroutine.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// ActivePhase returns the running phase for a task, or "" when idle.
func (s *Supervisor) ActivePhase(taskID string) domain.CyclePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[taskID]; ok {
		return slot.phase
	}
	return ""
}
