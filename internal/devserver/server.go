// Package devserver is a scripted in-memory agent backend. It serves the
// chat stream, session directory, history and debug-state routes so the
// client can be exercised without a real agent.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"agentchat/internal/domain/history"
	"agentchat/internal/domain/react"
	"agentchat/internal/domain/stream"
	"agentchat/internal/infra/backend"
	"agentchat/internal/logging"
	jsonx "agentchat/internal/shared/json"
	id "agentchat/internal/utils/id"
)

// Config controls the dev server.
type Config struct {
	Host string
	Port int
	// Token, when set, is the only bearer token accepted.
	Token      string
	EnableCORS bool
	Debug      bool
	// FrameDelay is the pause between streamed frames.
	FrameDelay time.Duration
}

// DefaultConfig listens on localhost:8080 without auth.
func DefaultConfig() Config {
	return Config{
		Host:       "localhost",
		Port:       8080,
		EnableCORS: true,
		FrameDelay: 50 * time.Millisecond,
	}
}

// Option customises a Server.
type Option func(*Server)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// WithScript replaces DefaultScript.
func WithScript(script Script) Option {
	return func(s *Server) {
		if script != nil {
			s.script = script
		}
	}
}

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is the scripted backend.
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
	store      *store
	script     Script
	metrics    http.Handler
	logger     logging.Logger
	now        func() time.Time
}

// New builds the server and its routes.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		script: DefaultScript,
		logger: logging.NewComponentLogger("devserver"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = newStore(s.now)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
		engine.Use(cors.New(corsConfig))
	}
	s.engine = engine
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.engine.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.POST("/chat/stream", s.handleStream)
		api.GET("/agents/:agent_id/sessions", s.handleListSessions)
		api.POST("/agents/:agent_id/sessions", s.handleCreateSession)
		api.DELETE("/sessions/:session_id", s.handleDeleteSession)
		api.GET("/sessions/:session_id/history", s.handleHistory)
		api.GET("/sessions/:session_id/tasks/:task_id/recursions/:iteration/state", s.handleState)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Dev server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dev server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for open streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Dev server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("[req:%s] %s %s -> %d in %s",
			c.GetHeader("X-Request-ID"), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(started))
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	agentID, ok := agentParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.store.list(agentID)})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	agentID, ok := agentParam(c)
	if !ok {
		return
	}
	session := s.store.create(agentID)
	s.logger.Info("Created session %s for agent %d", session.SessionID, agentID)
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !s.store.remove(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context) {
	records, ok := s.store.history(c.Param("session_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if records == nil {
		records = []history.TaskRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": records})
}

func (s *Server) handleState(c *gin.Context) {
	iteration, err := strconv.Atoi(c.Param("iteration"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "iteration must be an integer"})
		return
	}
	state, ok := s.store.state(c.Param("session_id"), c.Param("task_id"), iteration)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "state not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) handleStream(c *gin.Context) {
	var req backend.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	var session react.Session
	if req.SessionID == nil || *req.SessionID == "" {
		session = s.store.create(req.AgentID)
	} else {
		session.SessionID = *req.SessionID
		if !s.store.exists(session.SessionID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
	}

	turn := Turn{SessionID: session.SessionID, TaskID: id.NewTaskID(), Message: req.Message}
	offset := 0
	if req.TaskID != nil && *req.TaskID != "" {
		turn.TaskID = *req.TaskID
		turn.Reply = true
		offset = s.store.lastIteration(turn.SessionID, turn.TaskID)
	}
	events := s.stamp(turn, offset, s.script(turn))

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	sent := make([]stream.Event, 0, len(events))
	for _, ev := range events {
		if s.cfg.FrameDelay > 0 {
			select {
			case <-ctx.Done():
				s.logger.Info("Client left task %s after %d events", turn.TaskID, len(sent))
				s.store.record(turn, sent)
				return
			case <-time.After(s.cfg.FrameDelay):
			}
		}
		if err := writeFrame(c.Writer, ev); err != nil {
			s.logger.Warn("Stream write failed for task %s: %v", turn.TaskID, err)
			s.store.record(turn, sent)
			return
		}
		flusher.Flush()
		sent = append(sent, ev)
	}
	s.store.record(turn, sent)
}

// stamp fills the identifiers the script leaves out and shifts iterations
// past those already recorded for the task.
func (s *Server) stamp(turn Turn, offset int, events []stream.Event) []stream.Event {
	out := make([]stream.Event, len(events))
	for i, ev := range events {
		ev.TaskID = turn.TaskID
		if ev.Type != stream.KindTaskComplete {
			ev.Iteration += offset
			ev.TraceID = fmt.Sprintf("trace-%s-%d", turn.TaskID, ev.Iteration)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.now().UTC()
		}
		out[i] = ev
	}
	return out
}

func writeFrame(w http.ResponseWriter, ev stream.Event) error {
	payload, err := jsonx.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func agentParam(c *gin.Context) (int, bool) {
	agentID, err := strconv.Atoi(c.Param("agent_id"))
	if err != nil || agentID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id must be a non-negative integer"})
		return 0, false
	}
	return agentID, true
}
