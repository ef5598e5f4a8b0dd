package shell

import (
	"errors"

	"github.com/loykin/hostkit/internal/registry"
)

// ExecCode is the status of Exec.
type ExecCode int

const (
	// ExecServiceNotFound: the service command could not be resolved. Nothing was spawned.
	ExecServiceNotFound ExecCode = iota
	// ExecSpawnRejected: the process could not be started or reported no PID.
	ExecSpawnRejected
	// ExecTrackingUnavailable: the process started but could not be tracked and was killed.
	ExecTrackingUnavailable
	// ExecOK: the process is running and tracked.
	ExecOK
)

func (c ExecCode) OK() bool { return c == ExecOK }

func (c ExecCode) String() string {
	switch c {
	case ExecOK:
		return "ok"
	case ExecSpawnRejected:
		return "spawn_rejected"
	case ExecTrackingUnavailable:
		return "tracking_unavailable"
	default:
		return "service_not_found"
	}
}

// ExecOutcome carries the handle of a tracked process on success.
type ExecOutcome = registry.Outcome[ExecCode, *Handle]

// Cause explains why a process was released.
type Cause string

const (
	CauseExited         Cause = "exited"
	CauseKilled         Cause = "killed"
	CauseTrackingFailed Cause = "tracking_failed"
)

var (
	ErrInvalidService = errors.New("invalid service name")
	ErrEmptyCommand   = errors.New("service command is empty")
	ErrNoPID          = errors.New("spawned process reported no pid")
	ErrNotTracked     = errors.New("process is not tracked")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
)
