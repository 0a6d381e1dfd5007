package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// wsRequest is one client frame. Type is "start" or "message".
type wsRequest struct {
	Type     string `json:"type"`
	TrialID  string `json:"trial_id,omitempty"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return len(allowed) == 0 || allowed[r.Header.Get("Origin")]
		},
	}
}

// handleWebsocket runs a turn loop on one connection. Turns are processed
// in arrival order, one at a time.
func (s *Server) handleWebsocket(c *gin.Context) {
	sessionID := c.Param("id")
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"correlation_id": c.GetString(middleware.CorrelationIDKey),
	})
	logger.Info("WebSocket connected")

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := c.Request.Context()
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("WebSocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		resp := s.runFrame(c, sessionID, req)
		if err := write(resp); err != nil {
			logger.WithError(err).Warn("WebSocket write failed")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) runFrame(c *gin.Context, sessionID string, req wsRequest) turnResponse {
	ctx := c.Request.Context()
	var resp turnResponse
	switch req.Type {
	case "start":
		reply, err := s.conversation.Start(ctx, sessionID, req.TrialID, req.Location)
		_, resp = s.turnResult(c, reply, err)
	case "message":
		reply, err := s.conversation.HandleMessage(ctx, sessionID, req.Message)
		_, resp = s.turnResult(c, reply, err)
	default:
		verr := domain.NewValidationError("type", `Unknown frame type; use "start" or "message".`, "")
		_, resp = s.turnResult(c, nil, verr)
	}
	return resp
}
