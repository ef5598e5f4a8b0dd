package shell

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/hostkit/internal/registry"
)

// Marker is a tracking marker found in the registry. Markers left by a
// previous run are reported with Owned false; they are never re-attached.
type Marker struct {
	PID   int    `json:"pid"`
	Path  string `json:"path"`
	Owned bool   `json:"owned"`
	Alive bool   `json:"alive"`
}

// Markers lists the tracking markers currently present in the registry and
// probes whether the OS still knows each pid.
func (s *Supervisor) Markers(ctx context.Context) ([]Marker, error) {
	out := s.store.List(ctx, ProcessDir)
	switch out.Code {
	case registry.ListOK:
	case registry.ListNotFound:
		return nil, nil
	default:
		return nil, out.Err
	}
	markers := make([]Marker, 0, len(out.Value))
	for _, name := range out.Value {
		pid, ok := ParseMarker(name)
		if !ok {
			continue
		}
		m := Marker{PID: pid, Path: registry.Join(ProcessDir, name)}
		_, m.Owned = s.Lookup(pid)
		alive, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
		if err != nil {
			s.diag.Debug("liveness probe failed", "pid", pid, "error", err)
		}
		m.Alive = alive
		markers = append(markers, m)
	}
	return markers, nil
}
