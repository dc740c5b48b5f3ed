package nodeflow

import (
	"context"
	"sync"
	"sync/atomic"
)

// SupervisorState is the run state of a Supervisor.
type SupervisorState int

// Supervisor states.
const (
	StateIdle SupervisorState = iota
	StateRunning
	StateRunningPendingRerun
	StateClosed
)

// String returns the state name.
func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRunningPendingRerun:
		return "running+pending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TaskFunc is the work a Supervisor runs.
type TaskFunc func(ctx context.Context, force bool)

// Supervisor guarantees at most one concurrent run of a task and at most
// one queued rerun.
//
// A request that arrives while the task is running moves the supervisor
// to StateRunningPendingRerun; any number of further requests collapse
// into that single rerun, which starts as soon as the current run ends.
// The rerun is forced if any of the collapsed requests was.
//
//	Idle --request--> Running --request--> RunningPendingRerun
//	  ^                  |                        |
//	  +----run ends------+<------rerun starts-----+
type Supervisor struct {
	task      TaskFunc
	supersede bool

	mu           sync.Mutex
	state        SupervisorState
	pendingForce bool
	closed       bool
	cancelRun    context.CancelFunc
	idle         chan struct{} // closed when no run is active

	runs atomic.Int64
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// Supersede makes a rerun request cancel the context of the current run.
func Supersede(enabled bool) SupervisorOption {
	return func(s *Supervisor) {
		s.supersede = enabled
	}
}

// NewSupervisor creates an idle supervisor for task.
// task must not panic and must not call Close on its own supervisor.
func NewSupervisor(task TaskFunc, opts ...SupervisorOption) *Supervisor {
	idle := make(chan struct{})
	close(idle)
	s := &Supervisor{task: task, idle: idle}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the task on the calling goroutine, followed by any reruns
// requested meanwhile. Returns false without running if a run is already
// in progress (the request is coalesced into the pending rerun) or the
// supervisor is closed.
func (s *Supervisor) Run(ctx context.Context, force bool) bool {
	if !s.begin(force) {
		return false
	}
	s.loop(ctx, force)
	return true
}

// Trigger is Run on a new goroutine. Returns true if a goroutine was started.
func (s *Supervisor) Trigger(force bool) bool {
	if !s.begin(force) {
		return false
	}
	go s.loop(context.Background(), force)
	return true
}

// State returns the current state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateClosed
	}
	return s.state
}

// Runs returns how many times the task has been started.
func (s *Supervisor) Runs() int64 {
	return s.runs.Load()
}

// Wait blocks until no run is active or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StateIdle {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels the active run, drops any pending rerun and waits for
// the run to return. Later requests are ignored. Safe to call more than once.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelRun != nil {
		s.cancelRun()
	}
	running := s.state != StateIdle
	idle := s.idle
	s.mu.Unlock()

	if running {
		<-idle
	}
}

// begin registers a run request. Returns true if the caller should start
// the loop.
func (s *Supervisor) begin(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	switch s.state {
	case StateRunning, StateRunningPendingRerun:
		s.state = StateRunningPendingRerun
		s.pendingForce = s.pendingForce || force
		if s.supersede && s.cancelRun != nil {
			s.cancelRun()
		}
		return false
	}

	s.state = StateRunning
	s.idle = make(chan struct{})
	return true
}

func (s *Supervisor) loop(ctx context.Context, force bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.finishLocked()
			s.mu.Unlock()
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.cancelRun = cancel
		s.mu.Unlock()

		s.runs.Add(1)
		s.task(runCtx, force)
		cancel()

		s.mu.Lock()
		s.cancelRun = nil
		if s.state == StateRunningPendingRerun && !s.closed {
			s.state = StateRunning
			force = s.pendingForce
			s.pendingForce = false
			s.mu.Unlock()
			continue
		}
		s.finishLocked()
		s.mu.Unlock()
		return
	}
}

// finishLocked returns to idle. s.mu must be held.
func (s *Supervisor) finishLocked() {
	s.state = StateIdle
	s.pendingForce = false
	close(s.idle)
}
