// Package api exposes the prescreening engine over HTTP and websockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/middleware"
	"github.com/trial-prescreen-server/internal/prescreen"
)

// Conversation is the engine surface the transport needs.
type Conversation interface {
	Start(ctx context.Context, sessionID, trialID, location string) (*prescreen.Reply, error)
	HandleMessage(ctx context.Context, sessionID, message string) (*prescreen.Reply, error)
	State(ctx context.Context, sessionID string) (*domain.ConversationState, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configure optional server features.
type Options struct {
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	Version string
}

// Server represents the HTTP server
type Server struct {
	cfg          domain.ServerConfig
	conversation Conversation
	opts         Options
	logger       *logrus.Logger
	router       *gin.Engine
	server       *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, conversation Conversation, opts Options, logger *logrus.Logger) *Server {
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		cfg:          cfg,
		conversation: conversation,
		opts:         opts,
		logger:       logger,
		router:       router,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/sessions/:id/start", s.handleStart)
		v1.POST("/sessions/:id/messages", s.handleMessage)
		v1.GET("/sessions/:id/state", s.handleState)
	}

	s.router.GET("/ws/sessions/:id", s.handleWebsocket)
}

type startRequest struct {
	TrialID  string `json:"trial_id" binding:"required"`
	Location string `json:"location"`
}

type messageRequest struct {
	Message string `json:"message" binding:"required"`
}

// turnResponse carries the engine reply and, on failure, the coded error.
// The reply message is always safe to show the person.
type turnResponse struct {
	*prescreen.Reply
	Error *domain.PrescreenError `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
		"version":   s.opts.Version,
	})
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "trial_id", "A study identifier is required to start.")
		return
	}
	reply, err := s.conversation.Start(c.Request.Context(), c.Param("id"), req.TrialID, req.Location)
	s.respond(c, reply, err)
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "message", "Please send a message.")
		return
	}
	reply, err := s.conversation.HandleMessage(c.Request.Context(), c.Param("id"), req.Message)
	s.respond(c, reply, err)
}

func (s *Server) handleState(c *gin.Context) {
	state, err := s.conversation.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		code := domain.ErrorCode(err)
		c.JSON(statusFor(code), gin.H{"error": domain.NewPrescreenError(code, domain.UserMessage(err), nil)})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) badRequest(c *gin.Context, field, message string) {
	verr := domain.NewValidationError(field, message, "")
	c.JSON(http.StatusBadRequest, turnResponse{
		Reply: &prescreen.Reply{SessionID: c.Param("id"), Message: message},
		Error: domain.NewPrescreenError(domain.ErrCodeValidation, message, verr),
	})
}

func (s *Server) respond(c *gin.Context, reply *prescreen.Reply, err error) {
	status, resp := s.turnResult(c, reply, err)
	c.JSON(status, resp)
}

// turnResult pairs the engine reply with its HTTP status and coded error.
func (s *Server) turnResult(c *gin.Context, reply *prescreen.Reply, err error) (int, turnResponse) {
	if reply == nil {
		reply = &prescreen.Reply{SessionID: c.Param("id"), Message: domain.UserMessage(err)}
	}
	if err == nil {
		return http.StatusOK, turnResponse{Reply: reply}
	}

	code := domain.ErrorCode(err)
	s.logger.WithFields(logrus.Fields{
		"session_id":     c.Param("id"),
		"correlation_id": c.GetString(middleware.CorrelationIDKey),
		"code":           code,
		"error":          err,
	}).Warn("Turn returned an error")

	// Details stay in the logs; the client sees only the code and reply.
	return statusFor(code), turnResponse{Reply: reply, Error: domain.NewPrescreenError(code, reply.Message, nil)}
}

// statusFor maps error codes onto HTTP statuses. A data integrity failure is
// answered with 200 because the reply restarts the conversation normally.
func statusFor(code string) int {
	switch code {
	case "", domain.ErrCodeDataIntegrity:
		return http.StatusOK
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeSessionConflict:
		return http.StatusConflict
	case domain.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
