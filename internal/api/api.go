// Package api exposes the dashboard over HTTP: course and account
// status, upcoming registrations, the audit log, and the two operator
// actions (exclude a pair, fire a job now).
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"coursebot/internal/projector"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

// Control is the operator-facing slice of the scheduler.
type Control interface {
	ExcludePair(ctx context.Context, courseID, accountID, reason string) (store.Status, error)
	RunNow(courseID, accountID string) bool
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	cfg  Config
	proj *Projector
	ctl  Control
	log  logx.Logger
	http *http.Server
}

// Projector is the read side the handlers render from.
type Projector = projector.Projector

func New(cfg Config, proj *Projector, ctl Control, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, proj: proj, ctl: ctl, log: log.With(logx.String("component", "api"))}
}

// Router builds the HTTP routes. Exposed separately for handler tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/dashboard", s.dashboard)
		apiGroup.GET("/courses", s.courses)
		apiGroup.GET("/upcoming", s.upcoming)
		apiGroup.GET("/log", s.auditLog)
		apiGroup.GET("/accounts", s.accounts)
		apiGroup.POST("/courses/:id/exclude", s.exclude)
		apiGroup.POST("/run", s.runNow)
	}
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.log.Info("dashboard listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shCtx)
		return ctx.Err()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) dashboard(c *gin.Context) {
	rows, err := s.proj.Courses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entries, err := s.proj.RecentAudit(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"courses":  rows,
		"upcoming": s.proj.UpcomingJobs(),
		"log":      entries,
	})
}

func (s *Server) courses(c *gin.Context) {
	rows, err := s.proj.Courses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) upcoming(c *gin.Context) {
	c.JSON(http.StatusOK, s.proj.UpcomingJobs())
}

func (s *Server) auditLog(c *gin.Context) {
	n := 50
	if raw := c.Query("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 10000 {
			n = v
		}
	}
	entries, err := s.proj.RecentAudit(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) accounts(c *gin.Context) {
	accounts := s.proj.Accounts()
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"id":       a.ID,
			"email":    a.Email,
			"excluded": a.Excluded,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) exclude(c *gin.Context) {
	courseID := c.Param("id")
	var input struct {
		AccountID string `json:"account_id" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.knownPair(courseID, input.AccountID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown course or account"})
		return
	}
	reason := input.Reason
	if reason == "" {
		reason = "excluded via dashboard"
	}
	prev, err := s.ctl.ExcludePair(c.Request.Context(), courseID, input.AccountID, reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "excluded", "previous": prev})
}

func (s *Server) runNow(c *gin.Context) {
	var input struct {
		CourseID  string `json:"course_id" binding:"required"`
		AccountID string `json:"account_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.ctl.RunNow(input.CourseID, input.AccountID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending job for pair"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

func (s *Server) knownPair(courseID, accountID string) bool {
	if _, ok := s.proj.Course(courseID); !ok {
		return false
	}
	_, ok := s.proj.Account(accountID)
	return ok
}
