package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/models"
	"github.com/san-kum/knife-guard/server/stream"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

type WebSocketHandler struct {
	manager  *stream.Manager
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
	maxFrame int64
}

func NewWebSocketHandler(manager *stream.Manager, hub *Hub, allowedOrigins []string, maxFrame int64, logger *zap.Logger) *WebSocketHandler {
	anyOrigin := lo.Contains(allowedOrigins, "*")
	return &WebSocketHandler{
		manager:  manager,
		hub:      hub,
		logger:   logger,
		maxFrame: maxFrame,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || lo.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	s, err := h.manager.GetOrCreate(c.Query("stream"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected",
		zap.String("client_ip", clientIP),
		zap.String("stream", s.ID()))

	conn.SetReadLimit(h.maxFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cl := h.hub.register(s.ID())
	writerDone := make(chan struct{})
	go h.writePump(conn, cl, writerDone)
	defer func() {
		h.hub.unregister(cl)
		<-writerDone
		h.logger.Info("WebSocket client disconnected", zap.String("client_ip", clientIP))
	}()

	h.reply(cl, models.TypeStatus, s.Status())

	ctx := c.Request.Context()
	for {
		var message models.ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		h.handleMessage(ctx, s, cl, &message)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, s *stream.Stream, cl *client, message *models.ClientMessage) {
	switch message.Type {
	case models.TypeFrame:
		h.processFrame(ctx, s, cl, message)
	case models.TypePing:
		h.reply(cl, models.TypePong, map[string]any{"timestamp": time.Now().UnixMilli()})
	case models.TypeConfig:
		h.handleConfigUpdate(s, cl, message)
	case models.TypeReset:
		s.Reset()
		h.reply(cl, models.TypeStatus, s.Status())
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(cl, "Unknown message type: "+message.Type)
	}
}

// processFrame runs the frame inline so a client's frames stay in order.
// The result reaches every watcher of the stream through the hub.
func (h *WebSocketHandler) processFrame(ctx context.Context, s *stream.Stream, cl *client, message *models.ClientMessage) {
	var payload models.FramePayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		h.sendError(cl, "Invalid frame format")
		return
	}
	frame, err := payload.Frame()
	if err != nil {
		h.logger.Warn("Failed to decode frame", zap.Error(err))
		h.sendError(cl, "Invalid image data")
		return
	}
	s.HandleFrame(ctx, frame)
}

func (h *WebSocketHandler) handleConfigUpdate(s *stream.Stream, cl *client, message *models.ClientMessage) {
	var overrides map[string]any
	if err := json.Unmarshal(message.Data, &overrides); err != nil {
		h.logger.Error("Invalid config format", zap.Error(err))
		h.sendError(cl, "Invalid configuration format")
		return
	}

	cfg, err := s.UpdateConfig(overrides)
	if err != nil {
		h.sendError(cl, err.Error())
		return
	}
	h.reply(cl, models.TypeConfigUpdated, map[string]any{
		"status": "success",
		"config": cfg,
	})
}

// reply queues a message for this client only. It is called from the read
// loop, so the client is still registered.
func (h *WebSocketHandler) reply(cl *client, messageType string, data any) {
	select {
	case cl.send <- models.ServerMessage{Type: messageType, Data: data, Timestamp: time.Now().UnixMilli()}:
	default:
		h.logger.Warn("Client send buffer full", zap.String("type", messageType))
	}
}

func (h *WebSocketHandler) sendError(cl *client, errorMsg string) {
	h.reply(cl, models.TypeError, map[string]any{
		"message": errorMsg,
	})
}

// writePump is the only writer on conn. It exits when the hub closes the
// client's channel or a write fails.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, cl *client, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case message, ok := <-cl.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(message); err != nil {
				h.logger.Error("Failed to send WebSocket message", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Error("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
