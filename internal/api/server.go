package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-ledger/internal/auth"
	"github.com/Martian-dev/inbox-ledger/internal/eventstore/sqlite"
	"github.com/Martian-dev/inbox-ledger/internal/extract"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

const callerKey = "caller"

// Syncer starts and reports on sync runs
type Syncer interface {
	Kinds() []string
	Running() []string
	IsRunning(kind string) bool
	Last(kind string) (sync.Report, bool)
	Start(ctx context.Context, kind string, full bool) error
}

// RunLog is the read side of the run ledger
type RunLog interface {
	ListRuns(ctx context.Context, source string, limit int) ([]sqlite.RunRow, error)
	Failures(ctx context.Context, runID string) ([]sync.Failure, error)
}

// Authenticator resolves the caller of a request
type Authenticator interface {
	CallerFromRequest(r *http.Request) (*auth.Caller, error)
}

// Server exposes sync status and manual triggers over HTTP
type Server struct {
	syncs Syncer
	runs  RunLog        // optional
	authn Authenticator // optional, requests are unauthenticated without it
	log   logrus.FieldLogger

	// base context of runs started over HTTP; outlives the request
	ctx context.Context
}

// New creates the API server. Runs started through it are canceled with ctx.
func New(ctx context.Context, syncs Syncer, runs RunLog, authn Authenticator, log logrus.FieldLogger) *Server {
	return &Server{syncs: syncs, runs: runs, authn: authn, log: log, ctx: ctx}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)

	authorized := r.Group("/")
	if s.authn != nil {
		authorized.Use(s.authMiddleware())
	}
	authorized.GET("/syncs", s.listSyncs)
	authorized.POST("/sync/:kind", s.startSync)
	authorized.GET("/runs", s.listRuns)
	authorized.GET("/runs/:id/failures", s.listFailures)
	return r
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "running": s.syncs.Running()}
	if v, ok := s.authn.(*auth.Verifier); ok && v != nil {
		body["jwks"] = v.Stats()
	}
	c.JSON(http.StatusOK, body)
}

type syncStatus struct {
	Kind    string       `json:"kind"`
	Running bool         `json:"running"`
	Last    *sync.Report `json:"last,omitempty"`
	Status  string       `json:"last_status,omitempty"`
	Error   string       `json:"last_error,omitempty"`
}

func (s *Server) listSyncs(c *gin.Context) {
	out := make([]syncStatus, 0)
	for _, kind := range s.syncs.Kinds() {
		st := syncStatus{Kind: kind, Running: s.syncs.IsRunning(kind)}
		if rep, ok := s.syncs.Last(kind); ok {
			st.Last = &rep
			st.Status = rep.Status()
			st.Error = rep.ErrorText()
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) startSync(c *gin.Context) {
	kind := c.Param("kind")
	full := c.Query("full") == "true"

	err := s.syncs.Start(s.ctx, kind, full)
	switch {
	case errors.Is(err, extract.ErrUnknownKind):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, sync.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mode := sync.ModeIncremental
	if full {
		mode = sync.ModeFullResync
	}
	entry := s.log.WithFields(logrus.Fields{"source": kind, "mode": mode})
	if caller, ok := c.Get(callerKey); ok {
		entry = entry.WithField("caller", caller.(*auth.Caller).ID)
	}
	entry.Info("sync started over http")
	c.JSON(http.StatusAccepted, gin.H{"kind": kind, "mode": mode})
}

func (s *Server) listRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run ledger disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []sqlite.RunRow{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) listFailures(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run ledger disabled"})
		return
	}
	failures, err := s.runs.Failures(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if failures == nil {
		failures = []sync.Failure{}
	}
	c.JSON(http.StatusOK, failures)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.authn.CallerFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
