// Package activity records timestamped, classified entries in the registry.
//
// Logging is best-effort: Log never fails and never blocks its caller on
// registry I/O. Records are handed to a single writer goroutine; any failure
// to persist one is reported through the diagnostic logger and dropped.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/hostkit/internal/metrics"
	"github.com/loykin/hostkit/internal/registry"
)

// Kind classifies a record.
type Kind string

const (
	KindActivity Kind = "ACTIVITY"
	KindError    Kind = "ERROR"
	KindOther    Kind = "OTHER"
	KindStatus   Kind = "STATUS"
)

// Dir is the registry directory holding log records.
const Dir = "logs"

// timeLayout is fixed width so record names sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the subset of the registry the log writes through.
type Store interface {
	Mkdir(ctx context.Context, path string) registry.MkdirOutcome
	Write(ctx context.Context, path, content string) registry.WriteOutcome
}

// Sink accepts records. It is satisfied by *Log and lets callers swap in a
// no-op or test implementation.
type Sink interface {
	Log(kind Kind, message string)
}

type request struct {
	kind    Kind
	message string
	at      time.Time
	flushed chan struct{} // non-nil for flush barriers
}

// Log is a fire-and-forget activity log backed by a Store. Its queue is
// unbounded: a record accepted while the log is open is always handed to the
// writer.
type Log struct {
	store Store
	diag  *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	pending []request
	done    chan struct{}

	// owned by the writer goroutine
	last time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option { return func(a *Log) { a.diag = l } }

// WithClock overrides the time source used to name records.
func WithClock(now func() time.Time) Option { return func(a *Log) { a.now = now } }

// New starts the writer goroutine. Close must be called to stop it.
func New(store Store, opts ...Option) *Log {
	a := &Log{
		store: store,
		diag:  slog.Default(),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	for _, o := range opts {
		o(a)
	}
	go a.run()
	return a
}

// Log enqueues a record. It never blocks on I/O and never reports failure;
// records logged after Close are dropped.
func (a *Log) Log(kind Kind, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		metrics.IncActivityDropped(string(kind))
		a.diag.Warn("activity log closed, record dropped", "kind", kind, "message", message)
		return
	}
	a.pending = append(a.pending, request{kind: kind, message: message, at: a.now()})
	a.cond.Signal()
}

// Flush waits until every record enqueued before the call has been handled.
func (a *Log) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	barrier := make(chan struct{})
	a.pending = append(a.pending, request{flushed: barrier})
	a.cond.Signal()
	a.mu.Unlock()
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending records and stops the writer.
func (a *Log) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.cond.Broadcast()
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

// next blocks until records are pending and takes all of them. It returns
// nil once the log is closed and drained.
func (a *Log) next() []request {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.pending) == 0 && !a.closed {
		a.cond.Wait()
	}
	batch := a.pending
	a.pending = nil
	return batch
}

func (a *Log) run() {
	defer close(a.done)
	for {
		batch := a.next()
		if batch == nil {
			return
		}
		for _, req := range batch {
			if req.flushed != nil {
				close(req.flushed)
				continue
			}
			a.write(req)
		}
	}
}

func (a *Log) write(req request) {
	a.mirror(req)
	ctx := context.Background()
	if out := a.store.Mkdir(ctx, Dir); !out.OK() {
		metrics.IncActivityFailed(string(req.kind))
		a.diag.Error("activity log directory unavailable", "error", out.Err)
		return
	}
	at := req.at.UTC()
	if !at.After(a.last) {
		at = a.last.Add(time.Nanosecond)
	}
	a.last = at
	name := registry.Join(Dir, "log-"+at.Format(timeLayout))
	if out := a.store.Write(ctx, name, Format(req.kind, req.message)); !out.OK() {
		metrics.IncActivityFailed(string(req.kind))
		a.diag.Error("activity record not written", "path", name, "error", out.Err)
	}
}

func (a *Log) mirror(req request) {
	lvl := slog.LevelInfo
	switch req.kind {
	case KindError:
		lvl = slog.LevelError
	case KindOther:
		lvl = slog.LevelDebug
	}
	a.diag.Log(context.Background(), lvl, req.message, "kind", string(req.kind))
}

// Format renders a record body.
func Format(kind Kind, message string) string {
	return fmt.Sprintf("TYPE %s\n%s", kind, message)
}

// Discard is a Sink that drops every record.
type Discard struct{}

func (Discard) Log(Kind, string) {}
