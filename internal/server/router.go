package server

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hostkit/internal/registry"
	"github.com/loykin/hostkit/internal/shell"
)

// Router provides embeddable HTTP handlers over a supervisor and its registry.
// Endpoints:
//
//	POST   {basePath}/exec              body: {"service":"echo","args":"hello"}
//	GET    {basePath}/processes         tracked processes
//	GET    {basePath}/processes/:pid    one tracked process
//	DELETE {basePath}/processes/:pid    force kill
//	GET    {basePath}/markers           markers present in the registry
//	GET    {basePath}/services          registered service names
//	PUT    {basePath}/services/:name    body: {"command":"..."}
//	DELETE {basePath}/services/:name
//	GET|PUT|DELETE {basePath}/kv/*key   raw registry entries under kv/
//	GET    /metrics                     when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *shell.Supervisor
	store    shell.Store
	basePath string
	metrics  http.Handler
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/exec, /api/processes and so on.
func NewRouter(sup *shell.Supervisor, store shell.Store, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, store: store, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/exec", r.handleExec)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/:pid", r.handleProcess)
	group.DELETE("/processes/:pid", r.handleKill)
	group.GET("/markers", r.handleMarkers)
	group.GET("/services", r.handleServices)
	group.PUT("/services/:name", r.handleRegister)
	group.DELETE("/services/:name", r.handleUnregister)
	group.GET("/kv/*key", r.handleKVGet)
	group.PUT("/kv/*key", r.handleKVPut)
	group.DELETE("/kv/*key", r.handleKVDelete)
	return g
}

// NewServer starts a standalone HTTP server on addr using a Router, serving
// HTTPS when tlsCfg is non-nil. The listener is bound before returning so
// address errors surface here.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		go func() { _ = server.ServeTLS(ln, "", "") }()
		return server, nil
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type execReq struct {
	Service string `json:"service"`
	Args    string `json:"args"`
}

type execResp struct {
	Result string `json:"result"`
	shell.Status
}

type serviceReq struct {
	Command string `json:"command"`
}

type kvResp struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type kvReq struct {
	Value string `json:"value"`
}

func (r *Router) handleExec(c *gin.Context) {
	var req execReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !shell.ValidName(req.Service) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	out := r.sup.Exec(c.Request.Context(), req.Service, req.Args)
	switch out.Code {
	case shell.ExecOK:
		writeJSON(c, http.StatusOK, execResp{Result: out.Code.String(), Status: out.Value.Snapshot()})
	case shell.ExecServiceNotFound:
		writeJSON(c, http.StatusNotFound, errorResp{Error: out.Err.Error()})
	case shell.ExecTrackingUnavailable:
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: out.Err.Error()})
	default:
		if errors.Is(out.Err, shell.ErrShuttingDown) {
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: out.Err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: out.Err.Error()})
	}
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Tracked())
}

func (r *Router) handleProcess(c *gin.Context) {
	pid, ok := parsePID(c.Param("pid"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pid"})
		return
	}
	h, ok := r.sup.Lookup(pid)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: shell.ErrNotTracked.Error()})
		return
	}
	writeJSON(c, http.StatusOK, h.Snapshot())
}

func (r *Router) handleKill(c *gin.Context) {
	pid, ok := parsePID(c.Param("pid"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pid"})
		return
	}
	if err := r.sup.Kill(pid); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, shell.ErrNotTracked) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleMarkers(c *gin.Context) {
	markers, err := r.sup.Markers(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if markers == nil {
		markers = []shell.Marker{}
	}
	writeJSON(c, http.StatusOK, markers)
}

func (r *Router) handleServices(c *gin.Context) {
	names, err := r.sup.Services(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(c, http.StatusOK, names)
}

func (r *Router) handleRegister(c *gin.Context) {
	var req serviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.sup.Register(c.Request.Context(), c.Param("name"), req.Command); err != nil {
		writeJSON(c, serviceErrStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUnregister(c *gin.Context) {
	if err := r.sup.Unregister(c.Request.Context(), c.Param("name")); err != nil {
		writeJSON(c, serviceErrStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func serviceErrStatus(err error) int {
	if errors.Is(err, shell.ErrInvalidService) || errors.Is(err, shell.ErrEmptyCommand) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (r *Router) handleKVGet(c *gin.Context) {
	p, ok := kvPath(c.Param("key"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	out := r.store.Read(c.Request.Context(), p)
	switch out.Code {
	case registry.ReadOK:
		writeJSON(c, http.StatusOK, kvResp{Key: strings.TrimPrefix(p, KVDir+"/"), Value: out.Value})
	case registry.ReadNotFound:
		writeJSON(c, http.StatusNotFound, errorResp{Error: out.Err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: out.Err.Error()})
	}
}

func (r *Router) handleKVPut(c *gin.Context) {
	p, ok := kvPath(c.Param("key"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	var req kvReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	dir := p[:strings.LastIndex(p, "/")]
	if out := r.store.Mkdir(ctx, dir); !out.OK() {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: out.Err.Error()})
		return
	}
	if out := r.store.Write(ctx, p, req.Value); !out.OK() {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: out.Err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleKVDelete(c *gin.Context) {
	p, ok := kvPath(c.Param("key"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	if out := r.store.Delete(c.Request.Context(), p); !out.OK() {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: out.Err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
