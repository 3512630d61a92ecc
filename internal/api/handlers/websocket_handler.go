package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/guide"
	"github.com/ballot-guide/backend/internal/stream"
	"github.com/ballot-guide/backend/pkg/logger"
)

type WebSocketHandler struct {
	orch *guide.Orchestrator
	cfg  GuideHandlerConfig
}

func NewWebSocketHandler(orch *guide.Orchestrator, cfg GuideHandlerConfig) *WebSocketHandler {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 5 * time.Minute
	}
	return &WebSocketHandler{orch: orch, cfg: cfg}
}

// HandleConnection reads guide requests and answers each with the same
// events the SSE endpoint sends, as {type, data} messages.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var req guide.Request
		if err := c.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if err := req.Validate(); err != nil {
			h.sendError(c, err.Error())
			continue
		}

		if !h.run(c, req) {
			return
		}
	}
}

// run reports whether the connection is still usable.
func (h *WebSocketHandler) run(c *websocket.Conn, req guide.Request) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GenerationTimeout)
	defer cancel()

	alive := true
	emit := func(ev stream.Event) {
		if !alive {
			return
		}
		if err := c.WriteJSON(ev); err != nil {
			alive = false
			logger.Info("WebSocket client went away mid-run", zap.String("session_id", req.SessionID))
			if !h.cfg.PersistOnDisconnect {
				cancel()
			}
		}
	}

	_, err := h.orch.Run(ctx, req, emit)
	if errors.Is(err, guide.ErrGenerationInFlight) && alive {
		h.sendError(c, err.Error())
	}
	return alive
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	ev, err := stream.NewEvent(stream.EventError, stream.ErrorPayload{Error: errorMsg})
	if err != nil {
		return
	}
	c.WriteJSON(ev)
}
