// Package http is the gin HTTP surface of the service: session turns,
// asynchronous task submission and polling, health, metrics, and static
// serving of generated images.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"retouch/internal/logging"
	"retouch/internal/metrics"
	"retouch/internal/service"
	"retouch/internal/session"
	"retouch/internal/task"
)

// Config configures the HTTP server.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	EnableCORS   bool          `json:"enable_cors"`
	Debug        bool          `json:"debug"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// ImagesDir is served under /images when non-empty; leave empty when an
	// external base URL fronts the output directory.
	ImagesDir string `json:"images_dir"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
}

// Deps are the collaborators exposed over HTTP. Metrics may be nil, which
// disables the /metrics route.
type Deps struct {
	Service  *service.Service
	Tasks    *task.Registry
	Sessions *session.Store
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger
	startTime  time.Time
}

// NewServer assembles the engine, middleware, and routes.
func NewServer(cfg Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := logging.OrNop(deps.Logger)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		logger:    logger,
		startTime: time.Now(),
	}

	handler := NewHandler(deps.Service, deps.Tasks, deps.Sessions, logger)

	engine.POST("/sessions", handler.CreateSession)
	engine.POST("/sessions/async", handler.SubmitAsync)
	engine.GET("/sessions/:id", handler.GetSession)
	engine.POST("/sessions/:id/messages", handler.ContinueSession)
	engine.GET("/tasks", handler.ListTasks)
	engine.GET("/tasks/:id", handler.GetTask)
	engine.GET("/models", handler.ListModels)
	engine.GET("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if cfg.ImagesDir != "" {
		engine.Static("/images", cfg.ImagesDir)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
