// Package dashboard is the optional, disabled-by-default read-only status
// view plus session-authenticated reload trigger, served over its own Gin
// engine against the supervisor.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/go-supervice/supervice/internal/config"
	"github.com/go-supervice/supervice/internal/process"
	"github.com/go-supervice/supervice/internal/supervisor"
)

// Backend is the subset of *supervisor.Supervisor the dashboard depends on.
type Backend interface {
	Status() []process.StatusEntry
	Reload(ctx context.Context) (supervisor.ReloadResult, error)
	TailLog(name, stream string, n int) ([]string, error)
}

// Server wraps a configured *http.Server serving the dashboard's Gin
// engine.
type Server struct {
	log     *zap.Logger
	backend Backend
	cfg     *config.Config

	httpServer *http.Server
}

// New builds a dashboard Server bound to cfg.DashboardAddr. Call Serve to
// run it; it blocks until ctx is cancelled.
func New(log *zap.Logger, backend Backend, cfg *config.Config) *Server {
	log = log.Named("dashboard")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies(nil)

	r.Use(gin.Recovery())

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization", "X-CSRF-Token"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(secure.New(secure.Config{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		STSSeconds:            0, // daemon serves plain HTTP by default; leave HSTS to a fronting proxy
		ContentSecurityPolicy: "default-src 'none'",
	}))

	r.Use(zapRequestLogger(log))

	store := cookie.NewStore([]byte(sessionSecret()))
	store.Options(sessions.Options{
		Path:     "/api",
		MaxAge:   4 * 3600,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	r.Use(sessions.Sessions("supervice_sid", store))

	s := &Server{log: log, backend: backend, cfg: cfg}

	api := r.Group("/api")
	api.GET("/status", s.authentication, s.handleStatus)
	api.GET("/csrf", s.authentication, issueSessionCSRF)
	api.POST("/reload", s.authentication, validateSessionCSRF, s.handleReload)
	api.GET("/logs/:name", s.authentication, s.handleTailLog)

	s.httpServer = &http.Server{
		Addr:           cfg.DashboardAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}
	return s
}

// Serve blocks, listening on cfg.DashboardAddr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("dashboard listening", zap.String("addr", s.cfg.DashboardAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handleTailLog(c *gin.Context) {
	name := c.Param("name")
	stream := c.DefaultQuery("stream", "stdout")
	lines, err := strconv.Atoi(c.DefaultQuery("lines", "100"))
	if err != nil {
		lines = 100
	}

	out, err := s.backend.TailLog(name, stream, lines)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": out})
}

func (s *Server) handleReload(c *gin.Context) {
	result, err := s.backend.Reload(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// zapRequestLogger logs one structured line per request, escalating level
// with the response status.
func zapRequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// sessionSecret returns the cookie-store signing key from the environment
// when set, otherwise a fixed development key. Operators exposing the
// dashboard beyond localhost must set SUPERVICE_SESSION_SECRET.
func sessionSecret() string {
	if v := os.Getenv("SUPERVICE_SESSION_SECRET"); v != "" {
		return v
	}
	return "supervice-dev-session-secret-change-me"
}
