package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/helios-os/helios/internal/config"
	"github.com/helios-os/helios/internal/events"
	"github.com/helios-os/helios/internal/logging"
	"github.com/helios-os/helios/internal/monitoring"
	"github.com/helios-os/helios/internal/process"
	"github.com/helios-os/helios/internal/stream"
	"github.com/helios-os/helios/internal/syncbridge"
	"github.com/helios-os/helios/internal/task"
	"github.com/helios-os/helios/internal/ws"
)

// Server wires the IPC core to its introspection HTTP surface.
type Server struct {
	router    *gin.Engine
	streams   *stream.Registry
	bridge    *syncbridge.Bridge
	exec      *task.Executor
	bus       *events.Bus
	processes *process.Manager
	metrics   *monitoring.Metrics
	logger    *logging.Logger
	config    *config.Config
}

// New builds the IPC core and its HTTP surface from configuration.
func New(cfg *config.Config) *Server {
	logger := logging.Must(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})

	logger.Info("initializing IPC daemon",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port))

	metrics := monitoring.NewMetrics()
	bus := events.NewBus(logger.Subsystem("events"))

	streams := stream.NewRegistry(logger.Subsystem("stream"), metrics)
	bridge := syncbridge.New(streams, logger.Subsystem("syncbridge"))
	exec := task.NewExecutor(logger.Subsystem("task"))
	processes := process.NewManager(streams, bridge, exec, bus, logger.Subsystem("process"), metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(corsMiddleware())
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		router.Use(rateLimitMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}

	s := &Server{
		router:    router,
		streams:   streams,
		bridge:    bridge,
		exec:      exec,
		bus:       bus,
		processes: processes,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
	}

	wsHandler := ws.NewHandler(bus, metrics, logger.Subsystem("ws"), cfg.Events.Buffer)

	router.GET("/", s.root)
	router.GET("/health", s.health)

	router.GET("/streams", s.listStreams)
	router.GET("/portals", s.listPortals)

	router.GET("/processes", s.listProcesses)
	router.POST("/processes", s.launchProcess)
	router.DELETE("/processes/:pid", s.terminateProcess)

	router.GET("/stats", s.stats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/events", wsHandler.HandleConnection)

	logger.Info("server initialized")
	return s
}

// Core exposes the wired IPC components for embedding callers.
func (s *Server) Core() (*stream.Registry, *syncbridge.Bridge, *task.Executor, *process.Manager) {
	return s.streams, s.bridge, s.exec, s.processes
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting introspection server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close terminates every live process and flushes the logger.
func (s *Server) Close() error {
	s.logger.Info("shutting down")
	for _, p := range s.processes.List() {
		if err := s.processes.Terminate(p.PID); err != nil {
			s.logger.Warn("terminating process on shutdown",
				zap.Uint32("pid", uint32(p.PID)), zap.Error(err))
		}
	}
	_ = s.logger.Sync()
	return nil
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "helios",
		"role":    "ipc-core",
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"processes": len(s.processes.List()),
		"streams":   len(s.streams.Snapshot()),
	})
}

func (s *Server) listStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.streams.Snapshot()})
}

func (s *Server) listPortals(c *gin.Context) {
	infos := s.processes.PortalSnapshots()
	c.JSON(http.StatusOK, gin.H{"portals": infos, "count": len(infos)})
}

func (s *Server) listProcesses(c *gin.Context) {
	procs := s.processes.List()
	s.metrics.SetProcessesActive(len(procs))
	c.JSON(http.StatusOK, gin.H{"processes": procs, "count": len(procs)})
}

func (s *Server) launchProcess(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := s.processes.Launch(req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.metrics.SetProcessesActive(len(s.processes.List()))
	c.JSON(http.StatusCreated, p)
}

func (s *Server) terminateProcess(c *gin.Context) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return
	}

	if err := s.processes.Terminate(process.PID(pid)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.metrics.SetProcessesActive(len(s.processes.List()))
	c.JSON(http.StatusOK, gin.H{"terminated": pid})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.GetSnapshot())
}
