package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/hostkit"
)

const closeTimeout = 10 * time.Second

type command struct {
	global *GlobalFlags
	open   func(ctx context.Context, c *hostkit.Config) (*hostkit.Host, error)
}

func newCommand(global *GlobalFlags) command {
	return command{global: global, open: hostkit.Open}
}

func (c command) openHost(ctx context.Context) (*hostkit.Host, error) {
	cfg, err := hostkit.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	return c.open(ctx, cfg)
}

// withHost runs fn against a host that is closed afterwards. Commands that
// do not spawn anything use it; Close finds no tracked processes to kill.
func (c command) withHost(ctx context.Context, fn func(h *hostkit.Host) error) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	err = fn(h)
	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return errors.Join(err, h.Close(cctx))
}

// Exec launches service. Without --detach it waits for the process to be
// released, force-killing it on SIGINT, SIGTERM or --timeout.
func (c command) Exec(ctx context.Context, service string, args []string, f ExecFlags) error {
	joined := strings.Join(args, " ")
	if f.APIUrl != "" {
		st, err := NewAPIClient(f.APIUrl, f.APITimeout).Exec(service, joined)
		if err != nil {
			return err
		}
		printJSON(st)
		return nil
	}

	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	out := h.Exec(ctx, service, joined)
	if !out.OK() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("exec %s: %s: %w", service, out.Code, out.Err), h.Close(cctx))
	}
	handle := out.Value
	if f.Detach {
		printJSON(handle.Snapshot())
		return h.Detach()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	var timeout <-chan time.Time
	if f.Timeout > 0 {
		t := time.NewTimer(f.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-handle.Done():
	case <-sig:
		_ = handle.Kill()
	case <-timeout:
		_ = handle.Kill()
	case <-ctx.Done():
		_ = handle.Kill()
	}

	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	closeErr := h.Close(cctx)
	printJSON(handle.Snapshot())
	if err := handle.ExitErr(); err != nil {
		return errors.Join(fmt.Errorf("%s (pid %d): %w", service, handle.PID(), err), closeErr)
	}
	return closeErr
}

func (c command) Register(ctx context.Context, service string, cmdline []string) error {
	return c.withHost(ctx, func(h *hostkit.Host) error {
		return h.Register(ctx, service, strings.Join(cmdline, " "))
	})
}

func (c command) Unregister(ctx context.Context, service string) error {
	return c.withHost(ctx, func(h *hostkit.Host) error {
		return h.Unregister(ctx, service)
	})
}

func (c command) Services(ctx context.Context) error {
	return c.withHost(ctx, func(h *hostkit.Host) error {
		names, err := h.Services(ctx)
		if err != nil {
			return err
		}
		if names == nil {
			names = []string{}
		}
		printJSON(names)
		return nil
	})
}

// Ps lists markers in the local registry, or the processes tracked by a
// remote server.
func (c command) Ps(ctx context.Context, f PsFlags) error {
	if f.APIUrl != "" {
		list, err := NewAPIClient(f.APIUrl, f.APITimeout).Tracked()
		if err != nil {
			return err
		}
		printJSON(list)
		return nil
	}
	return c.withHost(ctx, func(h *hostkit.Host) error {
		markers, err := h.Markers(ctx)
		if err != nil {
			return err
		}
		if markers == nil {
			markers = []hostkit.Marker{}
		}
		printJSON(markers)
		return nil
	})
}

// Kill asks the server that owns pid to kill it. A CLI invocation owns no
// processes, so there is no local form.
func (c command) Kill(pid int, f KillFlags) error {
	if f.APIUrl == "" {
		return fmt.Errorf("kill requires --api-url: processes are owned by the serving host")
	}
	return NewAPIClient(f.APIUrl, f.APITimeout).Kill(pid)
}

func (c command) Get(ctx context.Context, key string) error {
	return c.withHost(ctx, func(h *hostkit.Host) error {
		v, err := h.Get(ctx, key)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, v)
		return nil
	})
}

func (c command) Set(ctx context.Context, key, value string) error {
	return c.withHost(ctx, func(h *hostkit.Host) error {
		return h.Set(ctx, key, value)
	})
}

func (c command) Del(ctx context.Context, key string) error {
	return c.withHost(ctx, func(h *hostkit.Host) error {
		return h.Delete(ctx, key)
	})
}

// Serve runs the HTTP API until ctx ends or SIGINT/SIGTERM arrives, then
// kills every process it launched.
func (c command) Serve(ctx context.Context) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	srv, err := h.Serve()
	if err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return errors.Join(err, h.Close(cctx))
	}
	cfg := h.Config()
	h.Logger().Info("serving", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "root", cfg.Root, "metrics", cfg.Metrics.Enabled)
	h.Log(hostkit.KindStatus, "serving on "+srv.Addr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	h.Logger().Info("shutting down")
	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return errors.Join(srv.Shutdown(cctx), h.Close(cctx))
}
