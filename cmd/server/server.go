package main

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"syncwave/internal/auth"
	cidpkg "syncwave/internal/cid"
	"syncwave/internal/config"
	"syncwave/internal/session"
	"syncwave/internal/state"
	"syncwave/internal/types"
)

// Server wires the state manager, session controller and liveness monitor
// behind a gin router.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	state   *state.Manager
	ctrl    *session.Controller
	monitor *session.Monitor
	router  *gin.Engine

	stopMonitor context.CancelFunc
}

func NewServer(cfg config.Config, logger *zap.Logger) *Server {
	st := state.NewManager()
	verifier := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	ctrl := session.NewController(st, verifier, logger, cfg.WriteTimeout)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		state:  st,
		ctrl:   ctrl,
	}
	s.monitor = session.NewMonitor(st, cfg.PingInterval, cfg.PongTimeout, ctrl.Disconnect, logger)
	s.router = s.buildRouter()
	return s
}

// Start launches the liveness monitor. It returns immediately.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopMonitor = cancel
	go s.monitor.Run(ctx)
}

// Shutdown stops the monitor and closes every live connection through the
// standard disconnect path.
func (s *Server) Shutdown() {
	if s.stopMonitor != nil {
		s.stopMonitor()
	}
	for _, c := range s.state.Clients() {
		s.ctrl.DisconnectGoingAway(c)
	}
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cidMiddleware(), s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "syncwave"})
	})
	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.state.Stats())
	})
	r.GET("/api/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": s.state.Rooms()})
	})
	r.GET("/ws", s.handleWebSocket)
	return r
}

// cidMiddleware ensures every request carries a correlation id: an incoming
// X-SW-CID header is honored, otherwise a fresh KSUID is generated. The id
// is echoed on the response and stored on the request context.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Writer.Header().Set(cidpkg.HeaderName, id)
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Next()
	}
}

// otelMiddleware opens a span per request and stamps the correlation id on
// it. A no-op tracer provider makes this free when tracing is disabled.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("syncwave/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath())
		if id := cidpkg.FromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.End()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	client := types.NewClient(context.Background(), conn, uuid.New().String(), s.cfg.SendBuffer)
	s.state.AddClient(client)
	s.logger.Info("websocket connected",
		zap.String("connId", client.ConnID),
		zap.String("cid", cidpkg.FromContext(c.Request.Context())))

	// Blocks for the lifetime of the connection; cleanup happens inside.
	s.ctrl.Serve(client)
}
