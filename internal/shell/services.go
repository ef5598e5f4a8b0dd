package shell

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loykin/hostkit/internal/registry"
)

// Registry layout used by the supervisor.
const (
	ServiceDir = "services"
	ProcessDir = "processes"

	markerPrefix = "process-"
)

// MarkerPath returns the logical path of the tracking marker for pid.
func MarkerPath(pid int) string {
	return registry.Join(ProcessDir, markerPrefix+strconv.Itoa(pid))
}

// ParseMarker extracts the pid from a marker file name.
func ParseMarker(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, markerPrefix)
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 || pid > math.MaxInt32 {
		return 0, false
	}
	return pid, true
}

// ValidName reports whether s can be used as a service name. Allowed
// characters: A-Z a-z 0-9 . _ - and no "..".
func ValidName(s string) bool {
	if s == "" || s == "." || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// CommandLine appends args to the service command, separated by one space.
func CommandLine(command, args string) string {
	if args == "" {
		return command
	}
	return command + " " + args
}

// firstLine returns the first line of a service file, trimmed.
func firstLine(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	return strings.TrimSpace(strings.TrimSuffix(line, "\r"))
}

// Register stores the command template for service.
func (s *Supervisor) Register(ctx context.Context, service, command string) error {
	if !ValidName(service) {
		return fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	if firstLine(command) == "" {
		return fmt.Errorf("register %s: %w", service, ErrEmptyCommand)
	}
	if out := s.store.Mkdir(ctx, ServiceDir); !out.OK() {
		return out.Err
	}
	if out := s.store.Write(ctx, registry.Join(ServiceDir, service), command); !out.OK() {
		return out.Err
	}
	return nil
}

// Seed stores command for service unless a definition already exists. It
// returns the definition in effect.
func (s *Supervisor) Seed(ctx context.Context, service, command string) (string, error) {
	if !ValidName(service) {
		return "", fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	if out := s.store.Mkdir(ctx, ServiceDir); !out.OK() {
		return "", out.Err
	}
	out := s.store.ReadOrCreate(ctx, registry.Join(ServiceDir, service), command)
	if !out.OK() {
		return "", out.Err
	}
	return out.Value, nil
}

// Unregister removes a service definition. Removing an unknown service succeeds.
func (s *Supervisor) Unregister(ctx context.Context, service string) error {
	if !ValidName(service) {
		return fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	if out := s.store.Delete(ctx, registry.Join(ServiceDir, service)); !out.OK() {
		return out.Err
	}
	return nil
}

// Services lists registered service names.
func (s *Supervisor) Services(ctx context.Context) ([]string, error) {
	out := s.store.List(ctx, ServiceDir)
	switch out.Code {
	case registry.ListOK:
		return out.Value, nil
	case registry.ListNotFound:
		return nil, nil
	default:
		return nil, out.Err
	}
}

// resolve returns the command template registered for service.
func (s *Supervisor) resolve(ctx context.Context, service string) (string, error) {
	if !ValidName(service) {
		return "", fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	out := s.store.Read(ctx, registry.Join(ServiceDir, service))
	if !out.OK() {
		return "", out.Err
	}
	cmd := firstLine(out.Value)
	if cmd == "" {
		return "", fmt.Errorf("service %s: %w", service, ErrEmptyCommand)
	}
	return cmd, nil
}
