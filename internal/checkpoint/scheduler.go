package checkpoint

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler fires periodic checkpoint triggers per active session. Each
// session gets its own task, registered at session start and cancelled
// at session close, so timer lifecycle is explicit and testable.
//
// The fire callback runs on the task goroutine and must not block event
// appends; the engine's checkpoint path reads last_event_seq briefly
// under the session lock and folds outside it.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	fire     func(sessionID string)
	logger   *slog.Logger
	tasks    map[string]chan struct{}
	closed   bool
}

// NewScheduler creates a scheduler firing every interval per session.
func NewScheduler(interval time.Duration, fire func(sessionID string), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		fire:     fire,
		logger:   logger.With("component", "checkpoint-scheduler"),
		tasks:    make(map[string]chan struct{}),
	}
}

// Register starts the timer task for a session. Registering an already
// registered session is a no-op.
func (s *Scheduler) Register(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.tasks[sessionID]; ok {
		return
	}
	stop := make(chan struct{})
	s.tasks[sessionID] = stop
	go s.run(sessionID, stop)
}

// Cancel stops the timer task for a session.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.tasks[sessionID]; ok {
		close(stop)
		delete(s.tasks, sessionID)
	}
}

// Close cancels every task.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, stop := range s.tasks {
		close(stop)
		delete(s.tasks, id)
	}
}

// Active returns the number of registered session timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) run(sessionID string, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fire(sessionID)
		}
	}
}
