// Package admin exposes a MultiKernelManager over HTTP.
package admin

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/kernelctl/internal/auth"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/manager"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Version = "0.1.0"

// TLSConfig enables HTTPS. ClientCAFile additionally requires client
// certificates signed by that CA.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

type Server struct {
	Name     string
	Addr     string
	Appeared time.Time

	kernels *manager.MultiKernelManager
	router  *gin.Engine
	auth    auth.Validator
	tls     *TLSConfig
}

type Option func(*Server)

// WithAuth requires a bearer token on every /kernels route.
func WithAuth(v auth.Validator) Option {
	return func(s *Server) { s.auth = v }
}

func WithTLS(cfg TLSConfig) Option {
	return func(s *Server) { s.tls = &cfg }
}

func New(name, addr string, kernels *manager.MultiKernelManager, corsOrigins []string, opts ...Option) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logs.Logger()))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		kernels:  kernels,
		router:   r,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	if s.tls != nil {
		cfg, err := s.tls.serverConfig()
		if err != nil {
			ln.Close()
			return err
		}
		srv.TLSConfig = cfg
		ln = tls.NewListener(ln, cfg)
	}
	errc := make(chan error, 1)
	go func() {
		logs.Infof("admin.Server.Serve name=%s addr=%s tls=%t auth=%t", s.Name, ln.Addr(), s.tls != nil, s.auth != nil)
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c TLSConfig) serverConfig() (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("admin: load tls pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("admin: read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("admin: no certificates in %s", c.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(c *gin.Context) {
	if s.auth == nil {
		c.Next()
		return
	}
	if err := auth.Check(s.auth, c.GetHeader("Authorization")); err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.Name,
			"version": Version,
			"kernels": len(s.kernels.ListKernelIDs()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	k := r.Group("/kernels", s.requireToken)
	k.GET("", func(c *gin.Context) {
		ids := s.kernels.ListKernelIDs()
		views := make([]KernelView, 0, len(ids))
		for _, id := range ids {
			km, err := s.kernels.Kernel(id)
			if err != nil {
				// removed between list and lookup
				continue
			}
			views = append(views, viewOf(km))
		}
		c.JSON(http.StatusOK, gin.H{"kernels": views})
	})

	k.POST("", func(c *gin.Context) {
		var req StartRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := s.kernels.StartKernel(c.Request.Context(), req.options()...)
		if err != nil {
			s.fail(c, err)
			return
		}
		km, err := s.kernels.Kernel(id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, viewOf(km))
	})

	k.GET("/:id", func(c *gin.Context) {
		km, err := s.kernels.Kernel(c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(km))
	})

	k.DELETE("/:id", func(c *gin.Context) {
		if err := s.kernels.ShutdownKernel(c.Request.Context(), c.Param("id"), queryBool(c, "now"), false); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	k.POST("/:id/restart", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.kernels.RestartKernel(c.Request.Context(), id, queryBool(c, "now")); err != nil {
			s.fail(c, err)
			return
		}
		km, err := s.kernels.Kernel(id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(km))
	})

	k.POST("/:id/interrupt", func(c *gin.Context) {
		if err := s.kernels.InterruptKernel(c.Request.Context(), c.Param("id")); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrKernelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrDuplicateKernel), errors.Is(err, manager.ErrKernelNotRunning):
		status = http.StatusConflict
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
