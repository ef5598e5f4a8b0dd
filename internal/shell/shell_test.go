package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostkit/internal/activity"
	"github.com/loykin/hostkit/internal/env"
	"github.com/loykin/hostkit/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// spyStore records marker writes on top of a real registry.
type spyStore struct {
	*registry.Registry
	mu     sync.Mutex
	writes []string
}

func (s *spyStore) Write(ctx context.Context, path, content string) registry.WriteOutcome {
	if strings.HasPrefix(path, ProcessDir+"/") {
		s.mu.Lock()
		s.writes = append(s.writes, path)
		s.mu.Unlock()
	}
	return s.Registry.Write(ctx, path, content)
}

func (s *spyStore) markerWrites() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// faultyFs fails file creation for any path containing match.
type faultyFs struct {
	afero.Fs
	match string
}

var errInjected = errors.New("injected failure")

func (f faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 && strings.Contains(filepath.ToSlash(name), f.match) {
		return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

type fixture struct {
	reg *registry.Registry
	log *activity.Log
	sup *Supervisor
}

func newFixture(t *testing.T, store Store, logReg *registry.Registry, opts ...Option) *fixture {
	t.Helper()
	log := activity.New(logReg)
	sup := New(store, log, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		_ = log.Close()
	})
	return &fixture{reg: logReg, log: log, sup: sup}
}

func newOSFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.NewOS(filepath.Join(t.TempDir(), "registry"))
	return newFixture(t, reg, reg)
}

func (f *fixture) register(t *testing.T, service, command string) {
	t.Helper()
	require.NoError(t, f.sup.Register(context.Background(), service, command))
}

// records returns the bodies of every activity record after flushing.
func (f *fixture) records(t *testing.T) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.log.Flush(ctx))
	names := f.reg.List(ctx, activity.Dir)
	if names.Code == registry.ListNotFound {
		return nil
	}
	require.True(t, names.OK(), "list logs: %v", names.Err)
	out := make([]string, 0, len(names.Value))
	for _, n := range names.Value {
		r := f.reg.Read(ctx, registry.Join(activity.Dir, n))
		require.True(t, r.OK(), "read %s: %v", n, r.Err)
		out = append(out, r.Value)
	}
	return out
}

func countRecords(records []string, kind activity.Kind, substr string) int {
	n := 0
	for _, r := range records {
		if strings.HasPrefix(r, "TYPE "+string(kind)+"\n") && strings.Contains(r, substr) {
			n++
		}
	}
	return n
}

func waitReleased(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pid %d was not released in time", h.PID())
	}
}

func TestExecEchoTracksAndReleases(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	reg := registry.NewOS(filepath.Join(t.TempDir(), "registry"))
	spy := &spyStore{Registry: reg}
	f := newFixture(t, spy, reg)
	f.register(t, "echo", "echo")

	out := f.sup.Exec(ctx, "echo", "hello")
	require.Equal(t, ExecOK, out.Code, "exec: %v", out.Err)
	h, ok := out.Get()
	require.True(t, ok)
	require.Greater(t, h.PID(), 0)
	assert.Equal(t, "echo hello", h.Command())
	assert.Equal(t, []string{MarkerPath(h.PID())}, spy.markerWrites())

	waitReleased(t, h)

	assert.Equal(t, registry.ReadNotFound, reg.Read(ctx, MarkerPath(h.PID())).Code)
	// The start record also names the pid. The termination record is the one
	// every released pid must have exactly once; the start record is matched
	// on its own wording.
	released := fmt.Sprintf("process %d released", h.PID())
	records := f.records(t)
	assert.Equal(t, 1, countRecords(records, activity.KindActivity, released), "records: %q", records)
	assert.Equal(t, 1, countRecords(records, activity.KindActivity, fmt.Sprintf("as pid %d", h.PID())))

	st := h.Snapshot()
	assert.Equal(t, StateReleased, st.State)
	assert.Equal(t, CauseExited, st.Cause)
	_, tracked := f.sup.Lookup(h.PID())
	assert.False(t, tracked)
}

func TestExecUnknownServiceWritesNoMarker(t *testing.T) {
	ctx := context.Background()
	f := newOSFixture(t)

	out := f.sup.Exec(ctx, "ghost", "x")
	require.Equal(t, ExecServiceNotFound, out.Code)
	_, ok := out.Get()
	assert.False(t, ok)

	markers := f.reg.List(ctx, ProcessDir)
	assert.False(t, markers.OK() && len(markers.Value) > 0, "unexpected markers: %v", markers.Value)
	assert.Empty(t, f.sup.Tracked())
	assert.Equal(t, 1, countRecords(f.records(t), activity.KindError, "ghost"))
}

func TestExecRejectsInvalidServiceName(t *testing.T) {
	f := newOSFixture(t)
	for _, name := range []string{"", "..", "../processes", "a/b"} {
		out := f.sup.Exec(context.Background(), name, "")
		require.Equal(t, ExecServiceNotFound, out.Code, name)
		assert.ErrorIs(t, out.Err, ErrInvalidService)
	}
}

func TestExecEmptyCommandIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newOSFixture(t)
	require.True(t, f.reg.Mkdir(ctx, ServiceDir).OK())
	require.True(t, f.reg.Write(ctx, registry.Join(ServiceDir, "blank"), "\nsecond line").OK())
	out := f.sup.Exec(ctx, "blank", "")
	assert.Equal(t, ExecServiceNotFound, out.Code)
	assert.ErrorIs(t, out.Err, ErrEmptyCommand)
}

func TestKilledProcessIsReleasedOnce(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "sleeper", "sleep")

	out := f.sup.Exec(ctx, "sleeper", "30")
	require.Equal(t, ExecOK, out.Code, "exec: %v", out.Err)
	h := out.Value
	assert.Equal(t, registry.ReadOK, f.reg.Read(ctx, MarkerPath(h.PID())).Code)
	assert.Equal(t, StateTracked, h.Snapshot().State)

	require.NoError(t, f.sup.Kill(h.PID()))
	waitReleased(t, h)

	assert.Equal(t, registry.ReadNotFound, f.reg.Read(ctx, MarkerPath(h.PID())).Code)
	st := h.Snapshot()
	assert.Equal(t, CauseKilled, st.Cause)
	assert.True(t, st.Killed)

	// a second release and a second kill are no-ops
	f.sup.release(h, CauseExited, nil)
	assert.NoError(t, h.Kill())

	released := fmt.Sprintf("process %d released", h.PID())
	assert.Equal(t, 1, countRecords(f.records(t), activity.KindActivity, released))
	assert.ErrorIs(t, f.sup.Kill(h.PID()), ErrNotTracked)
}

func TestConcurrentExecProducesDistinctMarkers(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "a", "sleep")
	f.register(t, "b", "sleep")

	var wg sync.WaitGroup
	outs := make([]ExecOutcome, 2)
	for i, svc := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, svc string) {
			defer wg.Done()
			outs[i] = f.sup.Exec(ctx, svc, "30")
		}(i, svc)
	}
	wg.Wait()
	require.Equal(t, ExecOK, outs[0].Code, "a: %v", outs[0].Err)
	require.Equal(t, ExecOK, outs[1].Code, "b: %v", outs[1].Err)
	require.NotEqual(t, outs[0].Value.PID(), outs[1].Value.PID())

	markers := f.reg.List(ctx, ProcessDir)
	require.True(t, markers.OK())
	assert.ElementsMatch(t, []string{
		"process-" + fmt.Sprint(outs[0].Value.PID()),
		"process-" + fmt.Sprint(outs[1].Value.PID()),
	}, markers.Value)
	assert.Len(t, f.sup.Tracked(), 2)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(sctx))
	waitReleased(t, outs[0].Value)
	waitReleased(t, outs[1].Value)
	markers = f.reg.List(ctx, ProcessDir)
	assert.Empty(t, markers.Value)
}

func TestConcurrentQuickExitsEachRecordTermination(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "noop", "true")

	const n = 200
	outs := make([]ExecOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = f.sup.Exec(ctx, "noop", "")
		}(i)
	}
	wg.Wait()

	wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Wait(wctx))

	handles := make(map[int]int, n)
	for i, out := range outs {
		require.Equal(t, ExecOK, out.Code, "exec %d: %v", i, out.Err)
		handles[out.Value.PID()]++
	}
	records := f.records(t)
	for pid, want := range handles {
		released := fmt.Sprintf("process %d released", pid)
		assert.Equal(t, want, countRecords(records, activity.KindActivity, released), "pid %d", pid)
	}
	assert.Empty(t, f.reg.List(ctx, ProcessDir).Value)
}

func TestReleaseKeepsMarkerOfReusedPID(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "sleeper", "sleep")

	out := f.sup.Exec(ctx, "sleeper", "30")
	require.Equal(t, ExecOK, out.Code, "exec: %v", out.Err)
	old := out.Value

	// a newer handle claims the same pid before the old one is released
	newer := newHandle(old.cmd, "sleeper", "sleep 30")
	f.sup.track(newer)
	t.Cleanup(func() { f.sup.untrack(newer) })

	require.NoError(t, old.Kill())
	waitReleased(t, old)

	assert.True(t, f.reg.Read(ctx, old.Marker()).OK(), "marker of the newer handle was removed")
	cur, ok := f.sup.Lookup(old.PID())
	require.True(t, ok)
	assert.Same(t, newer, cur)
	assert.Equal(t, 1, countRecords(f.records(t), activity.KindActivity, fmt.Sprintf("process %d released", old.PID())))
}

func TestExecAfterShutdownIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "echo", "echo")

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(sctx))

	out := f.sup.Exec(ctx, "echo", "late")
	require.Equal(t, ExecSpawnRejected, out.Code)
	assert.ErrorIs(t, out.Err, ErrShuttingDown)
	assert.Equal(t, registry.ListNotFound, f.reg.List(ctx, ProcessDir).Code)
}

func TestShutdownKillsProcessesStartedConcurrently(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "sleeper", "sleep")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if out := f.sup.Exec(ctx, "sleeper", "30"); errors.Is(out.Err, ErrShuttingDown) {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	// every sleep outlives this deadline unless Shutdown killed it
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(sctx))
	wg.Wait()

	assert.Empty(t, f.sup.Tracked())
	assert.Empty(t, f.reg.List(ctx, ProcessDir).Value)
}

func TestMkdirFailureKillsProcess(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	seed := registry.New(mem, "/reg")
	require.True(t, seed.Mkdir(ctx, ServiceDir).OK())
	require.True(t, seed.Write(ctx, registry.Join(ServiceDir, "sleeper"), "sleep").OK())

	ro := registry.New(afero.NewReadOnlyFs(mem), "/reg")
	logReg := registry.New(afero.NewMemMapFs(), "/logs")
	f := newFixture(t, ro, logReg)

	out := f.sup.Exec(ctx, "sleeper", "30")
	require.Equal(t, ExecTrackingUnavailable, out.Code)
	_, ok := out.Get()
	assert.False(t, ok)
	assert.Empty(t, f.sup.Tracked())

	// the sleep would outlive this deadline unless it was killed
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Wait(wctx))

	records := f.records(t)
	assert.Equal(t, 1, countRecords(records, activity.KindError, "(tracking_failed)"), "records: %q", records)
	assert.Zero(t, countRecords(records, activity.KindActivity, "released"))
}

func TestMarkerWriteFailureKillsProcess(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	store := registry.New(faultyFs{Fs: mem, match: "/processes/"}, "/reg")
	logReg := registry.New(afero.NewMemMapFs(), "/logs")
	f := newFixture(t, store, logReg)
	require.NoError(t, f.sup.Register(ctx, "sleeper", "sleep"))

	out := f.sup.Exec(ctx, "sleeper", "30")
	require.Equal(t, ExecTrackingUnavailable, out.Code)
	assert.ErrorIs(t, out.Err, errInjected)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Wait(wctx))
	assert.Empty(t, f.sup.Tracked())
	assert.Equal(t, 1, countRecords(f.records(t), activity.KindError, "(tracking_failed)"))
}

func TestSpawnRejectedTracksNothing(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewOS(filepath.Join(t.TempDir(), "registry"))
	f := newFixture(t, reg, reg, WithShell(filepath.Join(t.TempDir(), "no-such-shell")))
	f.register(t, "echo", "echo")

	out := f.sup.Exec(ctx, "echo", "hi")
	require.Equal(t, ExecSpawnRejected, out.Code)
	assert.Error(t, out.Err)
	assert.Equal(t, registry.ListNotFound, reg.List(ctx, ProcessDir).Code)
	assert.Empty(t, f.records(t))
}

func TestQuickExitsLeaveNoOrphanMarkers(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "noop", "true")

	for i := 0; i < 20; i++ {
		out := f.sup.Exec(ctx, "noop", "")
		require.Equal(t, ExecOK, out.Code, "exec %d: %v", i, out.Err)
		waitReleased(t, out.Value)
	}
	markers := f.reg.List(ctx, ProcessDir)
	require.True(t, markers.OK())
	assert.Empty(t, markers.Value)
}

func TestMarkersReportsOwnershipAndLiveness(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	f := newOSFixture(t)
	f.register(t, "sleeper", "sleep")
	out := f.sup.Exec(ctx, "sleeper", "30")
	require.Equal(t, ExecOK, out.Code)

	// a leftover from an earlier run and an unrelated file
	require.True(t, f.reg.Write(ctx, MarkerPath(2147483646), "").OK())
	require.True(t, f.reg.Write(ctx, registry.Join(ProcessDir, "junk"), "").OK())

	markers, err := f.sup.Markers(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	byPID := map[int]Marker{}
	for _, m := range markers {
		byPID[m.PID] = m
	}
	live := byPID[out.Value.PID()]
	assert.True(t, live.Owned)
	assert.True(t, live.Alive)
	stale := byPID[2147483646]
	assert.False(t, stale.Owned)
	assert.False(t, stale.Alive)
}

func TestExecComposesEnvironment(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "env.out")
	e := env.New(false, []string{"GREETING=hello ${WHO}", "WHO=world"})
	reg := registry.NewOS(filepath.Join(t.TempDir(), "registry"))
	f := newFixture(t, reg, reg, WithEnv(e))
	f.register(t, "dump", `printf '%s|%s' "$HOSTKIT_SERVICE" "$GREETING" >`)

	res := f.sup.Exec(ctx, "dump", out)
	require.Equal(t, ExecOK, res.Code, "exec: %v", res.Err)
	waitReleased(t, res.Value)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "dump|hello world", string(b))
}
