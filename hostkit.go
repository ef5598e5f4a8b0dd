// Package hostkit wires the registry, activity log and process supervisor
// into a single Host for embedding and for the hostkit CLI.
package hostkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hostkit/internal/activity"
	"github.com/loykin/hostkit/internal/config"
	"github.com/loykin/hostkit/internal/env"
	histsqlite "github.com/loykin/hostkit/internal/history/sqlite"
	"github.com/loykin/hostkit/internal/logger"
	"github.com/loykin/hostkit/internal/metrics"
	"github.com/loykin/hostkit/internal/registry"
	"github.com/loykin/hostkit/internal/server"
	"github.com/loykin/hostkit/internal/shell"
	hosttls "github.com/loykin/hostkit/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = shell.Status

type Marker = shell.Marker

type Handle = shell.Handle

type ExecOutcome = shell.ExecOutcome

type LogKind = activity.Kind

const (
	KindActivity = activity.KindActivity
	KindError    = activity.KindError
	KindOther    = activity.KindOther
	KindStatus   = activity.KindStatus
)

// KVDir is the registry namespace used for general key/value entries.
const KVDir = server.KVDir

// ErrInvalidKey is returned for kv keys that would leave the kv namespace.
var ErrInvalidKey = errors.New("invalid key")

// LoadConfig reads a TOML config file; see config.Load.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Host owns every long-lived component built from a Config.
type Host struct {
	cfg      *Config
	logger   *slog.Logger
	registry *registry.Registry
	activity *activity.Log
	shell    *shell.Supervisor
	history  *histsqlite.Sink

	logCloser io.Closer
	closeOnce sync.Once
	closeErr  error
}

// Open builds a Host. The storage root is created if needed and configured
// services are seeded without overwriting existing definitions.
func Open(ctx context.Context, c *Config) (*Host, error) {
	if c == nil {
		var err error
		if c, err = config.Load(""); err != nil {
			return nil, err
		}
	}
	log, logCloser := logger.New(c.Log, os.Stderr)
	h := &Host{cfg: c, logger: log, logCloser: logCloser, registry: registry.NewOS(c.Root)}

	if out := h.registry.Mkdir(ctx, ""); !out.OK() {
		_ = logCloser.Close()
		return nil, fmt.Errorf("storage root %s: %w", c.Root, out.Err)
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = logCloser.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	opts := []shell.Option{
		shell.WithLogger(log),
		shell.WithShell(c.Shell),
		shell.WithEnv(env.New(!c.ClearEnv, c.Env)),
	}
	if c.History.SQLite != "" {
		sink, err := histsqlite.New(c.History.SQLite)
		if err != nil {
			_ = logCloser.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		h.history = sink
		opts = append(opts, shell.WithHistory(sink))
	}

	h.activity = activity.New(h.registry, activity.WithLogger(log))
	h.shell = shell.New(h.registry, h.activity, opts...)

	for _, s := range c.Services {
		if _, err := h.shell.Seed(ctx, s.Name, s.Command); err != nil {
			_ = h.Detach()
			return nil, fmt.Errorf("seed service %s: %w", s.Name, err)
		}
	}
	h.activity.Log(activity.KindStatus, fmt.Sprintf("hostkit opened registry %s", c.Root))
	log.Debug("host opened", "root", c.Root, "services", len(c.Services), "history", c.History.SQLite != "")
	return h, nil
}

func (h *Host) Config() *Config               { return h.cfg }
func (h *Host) Logger() *slog.Logger          { return h.logger }
func (h *Host) Registry() *registry.Registry  { return h.registry }
func (h *Host) Supervisor() *shell.Supervisor { return h.shell }
func (h *Host) History() *histsqlite.Sink     { return h.history }
func (h *Host) Log(kind LogKind, msg string)  { h.activity.Log(kind, msg) }

// Flush waits for queued activity records to be written.
func (h *Host) Flush(ctx context.Context) error { return h.activity.Flush(ctx) }

func (h *Host) Exec(ctx context.Context, service, args string) ExecOutcome {
	return h.shell.Exec(ctx, service, args)
}
func (h *Host) Register(ctx context.Context, service, command string) error {
	return h.shell.Register(ctx, service, command)
}
func (h *Host) Unregister(ctx context.Context, service string) error {
	return h.shell.Unregister(ctx, service)
}
func (h *Host) Services(ctx context.Context) ([]string, error) { return h.shell.Services(ctx) }
func (h *Host) Markers(ctx context.Context) ([]Marker, error)  { return h.shell.Markers(ctx) }
func (h *Host) Tracked() []Status                              { return h.shell.Tracked() }
func (h *Host) Kill(pid int) error                             { return h.shell.Kill(pid) }

// Get reads a kv entry.
func (h *Host) Get(ctx context.Context, key string) (string, error) {
	p, ok := registry.Under(KVDir, key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	out := h.registry.Read(ctx, p)
	return out.Value, out.Err
}

// Set writes a kv entry, creating its parent directories.
func (h *Host) Set(ctx context.Context, key, value string) error {
	p, ok := registry.Under(KVDir, key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if out := h.registry.Mkdir(ctx, path.Dir(p)); !out.OK() {
		return out.Err
	}
	return h.registry.Write(ctx, p, value).Err
}

// Delete removes a kv entry. Missing entries are not an error.
func (h *Host) Delete(ctx context.Context, key string) error {
	p, ok := registry.Under(KVDir, key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return h.registry.Delete(ctx, p).Err
}

// Router returns the HTTP API over this host, serving /metrics when metrics
// are enabled.
func (h *Host) Router() *server.Router {
	var opts []server.Option
	if h.cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
	}
	return server.NewRouter(h.shell, h.registry, h.cfg.Server.BasePath, opts...)
}

// Serve starts the HTTP API on the configured listen address, over TLS when
// server.tls is enabled.
func (h *Host) Serve() (*http.Server, error) {
	tlsCfg, err := hosttls.Setup(h.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return server.NewServer(h.cfg.Server.Listen, h.Router(), tlsCfg)
}

// Close kills every tracked process, waits for their release and then closes
// the activity log, history and logger. It is safe to call more than once.
func (h *Host) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		var errs []error
		if err := h.shell.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, h.closeResources())
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

// Detach closes the host's resources and leaves tracked processes running.
// Their markers stay in the registry and are reported by Markers as not owned
// by the next Host.
func (h *Host) Detach() error {
	h.closeOnce.Do(func() { h.closeErr = h.closeResources() })
	return h.closeErr
}

func (h *Host) closeResources() error {
	var errs []error
	if err := h.activity.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.history != nil {
		if err := h.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
