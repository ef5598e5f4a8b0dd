// Package shell supervises detached processes launched on behalf of named
// services.
//
// Exec resolves a service to a command line, spawns it under a shell in its
// own session and marks it as tracked in the registry. Each process gets one
// reaper goroutine that owns its wait; when the process terminates, or when it
// cannot be tracked, the handle is released exactly once: the process group is
// killed if still alive, the tracking marker is deleted and the termination is
// recorded in the activity log.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/loykin/hostkit/internal/activity"
	"github.com/loykin/hostkit/internal/env"
	"github.com/loykin/hostkit/internal/history"
	"github.com/loykin/hostkit/internal/metrics"
	"github.com/loykin/hostkit/internal/registry"
)

const historyTimeout = 2 * time.Second

// Store is the subset of the registry the supervisor depends on.
type Store interface {
	Mkdir(ctx context.Context, path string) registry.MkdirOutcome
	Write(ctx context.Context, path, content string) registry.WriteOutcome
	Read(ctx context.Context, path string) registry.ReadOutcome
	Delete(ctx context.Context, path string) registry.DeleteOutcome
	ReadOrCreate(ctx context.Context, path, def string) registry.ReadOrCreateOutcome
	List(ctx context.Context, dir string) registry.ListOutcome
}

// Supervisor launches and tracks service processes.
type Supervisor struct {
	store   Store
	log     activity.Sink
	diag    *slog.Logger
	history history.Sink
	shell   string
	env     *env.Env

	mu      sync.Mutex
	table   map[int]*Handle
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.diag = l } }

// WithHistory sends start and release events to sink.
func WithHistory(sink history.Sink) Option { return func(s *Supervisor) { s.history = sink } }

// WithEnv sets the environment composed for every spawned process.
func WithEnv(e *env.Env) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.env = e
		}
	}
}

// WithShell overrides the interpreter used to run command lines.
func WithShell(path string) Option {
	return func(s *Supervisor) {
		if path != "" {
			s.shell = path
		}
	}
}

// New returns a Supervisor tracking processes in store and recording
// activity in log.
func New(store Store, log activity.Sink, opts ...Option) *Supervisor {
	if log == nil {
		log = activity.Discard{}
	}
	s := &Supervisor{
		store: store,
		log:   log,
		diag:  slog.Default(),
		shell: defaultShell,
		env:   env.New(true, nil),
		table: make(map[int]*Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Exec starts the command registered for service with args appended and
// tracks the resulting process until it terminates.
func (s *Supervisor) Exec(ctx context.Context, service, args string) ExecOutcome {
	command, err := s.resolve(ctx, service)
	if err != nil {
		s.log.Log(activity.KindError, fmt.Sprintf("exec %s: service not found: %v", service, err))
		return s.fail(service, ExecServiceNotFound, err)
	}

	// reserve a reaper slot before spawning so Shutdown never misses a process
	if !s.reserve() {
		s.diag.Warn("spawn rejected", "service", service, "error", ErrShuttingDown)
		return s.fail(service, ExecSpawnRejected, ErrShuttingDown)
	}

	line := CommandLine(command, args)
	cmd := s.command(service, line)
	if err := cmd.Start(); err != nil {
		s.wg.Done()
		s.diag.Warn("spawn rejected", "service", service, "command", line, "error", err)
		return s.fail(service, ExecSpawnRejected, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = killGroup(cmd.Process)
		s.wg.Done()
		s.diag.Warn("spawn rejected", "service", service, "command", line, "error", ErrNoPID)
		return s.fail(service, ExecSpawnRejected, ErrNoPID)
	}

	h := newHandle(cmd, service, line)
	closing := s.track(h)
	go s.reap(h)
	if closing {
		return s.untrackable(h, ErrShuttingDown)
	}

	if out := s.store.Mkdir(ctx, ProcessDir); !out.OK() {
		return s.untrackable(h, out.Err)
	}
	if out := s.store.Write(ctx, h.marker, ""); !out.OK() {
		return s.untrackable(h, out.Err)
	}
	h.markTracked()
	s.log.Log(activity.KindActivity, fmt.Sprintf("started %q as pid %d", line, h.pid))
	s.diag.Info("process tracked", "service", service, "pid", h.pid, "marker", h.marker)
	s.emit(history.EventStart, h)
	h.finishSetup()

	metrics.IncExec(service, ExecOK.String())
	return ExecOutcome{Code: ExecOK, Value: h}
}

func (s *Supervisor) fail(service string, code ExecCode, err error) ExecOutcome {
	metrics.IncExec(service, code.String())
	return ExecOutcome{Code: code, Err: err}
}

// untrackable tears down a process whose marker could not be recorded.
func (s *Supervisor) untrackable(h *Handle, err error) ExecOutcome {
	s.release(h, CauseTrackingFailed, err)
	h.finishSetup()
	return s.fail(h.service, ExecTrackingUnavailable, fmt.Errorf("track pid %d: %w", h.pid, err))
}

// ServiceEnvVar names the spawned process's service in its environment.
const ServiceEnvVar = "HOSTKIT_SERVICE"

func (s *Supervisor) command(service, line string) *exec.Cmd {
	// #nosec G204 -- service commands are operator-registered templates
	cmd := exec.Command(s.shell, shellFlag, line)
	cmd.Env = s.env.Merge([]string{ServiceEnvVar + "=" + service})
	configureSysProcAttr(cmd)
	return cmd
}

// reap owns the wait on h's process. Release on a natural exit is deferred
// until Exec has finished its tracking I/O so a quick exit never leaves a
// marker behind.
func (s *Supervisor) reap(h *Handle) {
	defer s.wg.Done()
	err := h.cmd.Wait()
	h.markExited(err)
	<-h.setup
	cause := CauseExited
	if h.wasKilled() {
		cause = CauseKilled
	}
	s.release(h, cause, nil)
}

// release is the single point where a handle's resources are freed. Only
// the first call has any effect. It never fails; problems are logged.
func (s *Supervisor) release(h *Handle, cause Cause, reason error) {
	h.releaseOnce.Do(func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				s.diag.Error("release panicked", "pid", h.pid, "panic", r)
			}
		}()

		if err := h.Kill(); err != nil {
			s.diag.Warn("kill failed", "pid", h.pid, "error", err)
		}
		s.removeMarker(h)

		kind := activity.KindActivity
		msg := fmt.Sprintf("process %d released (%s)", h.pid, cause)
		if reason != nil {
			kind = activity.KindError
			msg += ": " + reason.Error()
		}
		s.log.Log(kind, msg)

		h.markReleased(cause)
		s.untrack(h)
		metrics.IncRelease(h.service, string(cause))
		metrics.ObserveLifetime(h.service, time.Since(h.startedAt).Seconds())
		s.emit(history.EventRelease, h)
	})
}

// removeMarker deletes h's marker unless its pid was reused by a newer handle,
// which owns the marker now. The table lock is held across the delete so the
// newer handle cannot write its marker in between.
func (s *Supervisor) removeMarker(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.table[h.pid]; ok && cur != h {
		s.diag.Debug("marker kept for reused pid", "pid", h.pid, "marker", h.marker)
		return
	}
	if out := s.store.Delete(context.Background(), h.marker); !out.OK() {
		s.diag.Error("marker not removed", "pid", h.pid, "marker", h.marker, "error", out.Err)
	}
}

func (s *Supervisor) emit(t history.EventType, h *Handle) {
	if s.history == nil {
		return
	}
	st := h.Snapshot()
	rec := history.Record{PID: st.PID, Service: st.Service, Command: st.Command, StartedAt: st.StartedAt, Cause: string(st.Cause)}
	if err := h.ExitErr(); err != nil {
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.history.Send(ctx, history.Event{Type: t, OccurredAt: time.Now(), Record: rec}); err != nil {
		s.diag.Warn("history event not recorded", "type", t, "pid", h.pid, "error", err)
	}
}

// reserve counts a process about to be spawned unless Shutdown has begun.
func (s *Supervisor) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// track adds h to the table and reports whether Shutdown has begun since
// h's slot was reserved.
func (s *Supervisor) track(h *Handle) bool {
	s.mu.Lock()
	s.table[h.pid] = h
	n := len(s.table)
	closing := s.closing
	s.mu.Unlock()
	metrics.SetTracked(n)
	return closing
}

// untrack drops h from the table unless its pid already belongs to a newer
// handle.
func (s *Supervisor) untrack(h *Handle) {
	s.mu.Lock()
	if s.table[h.pid] == h {
		delete(s.table, h.pid)
	}
	n := len(s.table)
	s.mu.Unlock()
	metrics.SetTracked(n)
}

// Lookup returns the handle for a live tracked pid.
func (s *Supervisor) Lookup(pid int) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.table[pid]
	return h, ok
}

// Tracked returns a snapshot of every unreleased handle ordered by pid.
func (s *Supervisor) Tracked() []Status {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.table))
	for _, h := range s.table {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	out := make([]Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Kill force-kills a tracked process. Its release follows asynchronously;
// wait on the handle's Done channel to observe it.
func (s *Supervisor) Kill(pid int) error {
	h, ok := s.Lookup(pid)
	if !ok {
		return fmt.Errorf("kill %d: %w", pid, ErrNotTracked)
	}
	return h.Kill()
}

// Wait blocks until every process spawned so far has been reaped or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown kills every tracked process and waits for all of them to be
// released. Exec refuses to start new processes once it has been called.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var errs []error
	for _, st := range s.Tracked() {
		if err := s.Kill(st.PID); err != nil && !errors.Is(err, ErrNotTracked) {
			errs = append(errs, err)
		}
	}
	if err := s.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
