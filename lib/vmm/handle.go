package vmm

import (
	"sync"

	"golang.org/x/sys/unix"
)

// State is the supervisor's view of one hypervisor process.
type State string

const (
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateFailed   State = "Failed"
)

var validTransitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed},
	// Running may go straight to Stopped when the process dies on its own.
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped},
}

// Handle tracks one hypervisor process.
type Handle struct {
	NodeID      string
	PID         int
	Port        int
	OverlayPath string
	RunDir      string

	mu      sync.Mutex
	state   State
	exitErr error

	// done is closed when an owned child exits; nil for adopted processes.
	done    chan struct{}
	adopted bool
}

// State returns the current process state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitErr returns the wait error of an owned child after it exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Adopted reports whether the process was recovered from a pid file.
func (h *Handle) Adopted() bool {
	return h.adopted
}

// transition moves to the given state if allowed and reports whether it did.
func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, allowed := range validTransitions[h.state] {
		if allowed == to {
			h.state = to
			return true
		}
	}
	return false
}

func (h *Handle) alive() bool {
	if h.done != nil {
		select {
		case <-h.done:
			return false
		default:
			return true
		}
	}
	if h.PID <= 0 {
		return false
	}
	err := unix.Kill(h.PID, 0)
	return err == nil || err == unix.EPERM
}
