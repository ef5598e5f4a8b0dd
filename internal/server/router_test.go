package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostkit/internal/metrics"
	"github.com/loykin/hostkit/internal/registry"
	"github.com/loykin/hostkit/internal/shell"
)

func setupRouter(t *testing.T, base string, reg *registry.Registry, opts ...Option) (http.Handler, *shell.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := shell.New(reg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return NewRouter(sup, reg, base, opts...).Handler(), sup
}

func memRegistry() *registry.Registry {
	return registry.New(afero.NewMemMapFs(), "/reg")
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServicesLifecycle(t *testing.T) {
	h, _ := setupRouter(t, "/api", memRegistry())

	rec := doReq(t, h, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = doReq(t, h, http.MethodPut, "/api/services/web", serviceReq{Command: "python -m http.server"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/services", nil)
	assert.JSONEq(t, `["web"]`, rec.Body.String())

	rec = doReq(t, h, http.MethodPut, "/api/services/web", serviceReq{Command: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPut, "/api/services/bad*name", serviceReq{Command: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/services/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodDelete, "/api/services/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExecUnknownService(t *testing.T) {
	reg := memRegistry()
	h, _ := setupRouter(t, "", reg)
	rec := doReq(t, h, http.MethodPost, "/exec", execReq{Service: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, reg.List(context.Background(), shell.ProcessDir).OK())
}

func TestExecRejectsBadRequests(t *testing.T) {
	h, _ := setupRouter(t, "", memRegistry())
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/exec", execReq{Service: "../etc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecAfterShutdownIsUnavailable(t *testing.T) {
	reg := memRegistry()
	h, sup := setupRouter(t, "", reg)
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPut, "/services/echo", serviceReq{Command: "echo"}).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	rec := doReq(t, h, http.MethodPost, "/exec", execReq{Service: "echo"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.False(t, reg.List(context.Background(), shell.ProcessDir).OK())
}

func TestExecTrackAndKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	reg := registry.NewOS(filepath.Join(t.TempDir(), "registry"))
	h, sup := setupRouter(t, "/api", reg)
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPut, "/api/services/sleeper", serviceReq{Command: "sleep"}).Code)

	rec := doReq(t, h, http.MethodPost, "/api/exec", execReq{Service: "sleeper", Args: "30"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got execResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Result)
	assert.Equal(t, "sleep 30", got.Command)
	require.Greater(t, got.PID, 0)

	handle, ok := sup.Lookup(got.PID)
	require.True(t, ok)

	rec = doReq(t, h, http.MethodGet, "/api/processes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []shell.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, got.PID, list[0].PID)

	rec = doReq(t, h, http.MethodGet, "/api/markers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var markers []shell.Marker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &markers))
	require.Len(t, markers, 1)
	assert.True(t, markers[0].Owned)

	pid := got.PID
	rec = doReq(t, h, http.MethodDelete, "/api/processes/"+strconv.Itoa(pid), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pid %d not released", pid)
	}
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/processes/"+strconv.Itoa(pid), nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodDelete, "/api/processes/"+strconv.Itoa(pid), nil).Code)
	assert.False(t, reg.Read(context.Background(), shell.MarkerPath(pid)).OK())
}

func TestProcessInvalidPID(t *testing.T) {
	h, _ := setupRouter(t, "", memRegistry())
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/processes/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodDelete, "/processes/0", nil).Code)
}

func TestKV(t *testing.T) {
	reg := memRegistry()
	h, _ := setupRouter(t, "", reg)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/kv/app/token", nil).Code)

	rec := doReq(t, h, http.MethodPut, "/kv/app/token", kvReq{Value: "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/kv/app/token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"app/token","value":"s3cret"}`, rec.Body.String())
	assert.Equal(t, "s3cret", reg.Read(context.Background(), "kv/app/token").Value)

	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodDelete, "/kv/app/token", nil).Code)
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodDelete, "/kv/app/token", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/kv/app/token", nil).Code)
}

func TestKVCannotReachTrackingMarkers(t *testing.T) {
	h, _ := setupRouter(t, "", memRegistry())
	rec := doReq(t, h, http.MethodPut, "/kv/..%2Fprocesses%2Fprocess-1", kvReq{Value: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	g := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(g))
	h, _ := setupRouter(t, "/api", memRegistry(), WithMetrics(metrics.HandlerFor(g)))
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hostkit_shell_tracked_processes")
}

func TestNewServerServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := shell.New(memRegistry(), nil)
	srv, err := NewServer("127.0.0.1:0", NewRouter(sup, memRegistry(), "/api"), nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/api/services")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
