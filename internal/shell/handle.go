package shell

import (
	"os/exec"
	"sync"
	"time"
)

// State is the supervision state of one process.
type State string

const (
	StateSpawned  State = "spawned"
	StateTracked  State = "tracked"
	StateReleased State = "released"
)

// Status is a point-in-time copy of a handle.
type Status struct {
	PID       int       `json:"pid"`
	Service   string    `json:"service"`
	Command   string    `json:"command"`
	Marker    string    `json:"marker"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Exited    bool      `json:"exited"`
	Killed    bool      `json:"killed"`
	Cause     Cause     `json:"cause,omitempty"`
}

// Handle is the supervisory record of one spawned process. It is created by
// Exec and released exactly once, either by its reaper when the process
// terminates or early when the process cannot be tracked.
type Handle struct {
	pid       int
	service   string
	command   string
	marker    string
	startedAt time.Time
	cmd       *exec.Cmd

	setup       chan struct{} // closed when Exec has finished its tracking I/O
	setupOnce   sync.Once
	done        chan struct{} // closed when release has completed
	releaseOnce sync.Once

	mu      sync.Mutex
	state   State
	exited  bool
	killed  bool
	exitErr error
	cause   Cause
}

func newHandle(cmd *exec.Cmd, service, command string) *Handle {
	pid := cmd.Process.Pid
	return &Handle{
		pid:       pid,
		service:   service,
		command:   command,
		marker:    MarkerPath(pid),
		startedAt: time.Now(),
		cmd:       cmd,
		setup:     make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateSpawned,
	}
}

func (h *Handle) PID() int        { return h.pid }
func (h *Handle) Service() string { return h.service }
func (h *Handle) Command() string { return h.command }
func (h *Handle) Marker() string  { return h.marker }

// Done is closed once the process has been released: its marker deleted and
// its termination recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the error reported by the process wait, if it has exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Kill force-kills the process group unless the process is already known to
// have exited. Killing twice is not an error. Release follows through the
// reaper.
func (h *Handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killLocked()
}

func (h *Handle) killLocked() error {
	if h.exited {
		return nil
	}
	h.killed = true
	return killGroup(h.cmd.Process)
}

// Snapshot returns a copy of the handle's state.
func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		PID:       h.pid,
		Service:   h.service,
		Command:   h.command,
		Marker:    h.marker,
		State:     h.state,
		StartedAt: h.startedAt,
		Exited:    h.exited,
		Killed:    h.killed,
		Cause:     h.cause,
	}
}

func (h *Handle) markExited(err error) {
	h.mu.Lock()
	h.exited = true
	h.exitErr = err
	h.mu.Unlock()
}

func (h *Handle) markTracked() {
	h.mu.Lock()
	if h.state == StateSpawned {
		h.state = StateTracked
	}
	h.mu.Unlock()
}

func (h *Handle) markReleased(c Cause) {
	h.mu.Lock()
	h.state = StateReleased
	h.cause = c
	h.mu.Unlock()
}

func (h *Handle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *Handle) finishSetup() { h.setupOnce.Do(func() { close(h.setup) }) }
