package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pepperlink/pepperlink/internal/metrics"
	"github.com/pepperlink/pepperlink/internal/session"
	"github.com/pepperlink/pepperlink/internal/tun"
)

// Router provides embeddable HTTP handlers for driving one session.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/reload
//	GET  {basePath}/status
//	GET  {basePath}/healthz
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sess     *session.Session
	basePath string
}

// NewRouter constructs a Router with configurable basePath.
// Example basePath: "/v1" results in /v1/start, /v1/stop, /v1/status.
func NewRouter(sess *session.Session, basePath string) *Router {
	return &Router{sess: sess, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/reload", r.handleReload)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The caller shuts it down via http.Server's Close or Shutdown.
func NewServer(addr, basePath string, sess *session.Session) (*http.Server, error) {
	r := NewRouter(sess, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	err := r.sess.Start(c.Request.Context())
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, session.ErrAlreadyRunning):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, tun.ErrPermissionDenied):
		writeJSON(c, http.StatusForbidden, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sess.Stop(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReload(c *gin.Context) {
	err := r.sess.Reload(c.Request.Context())
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, session.ErrNotRunning):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sess.Status())
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
