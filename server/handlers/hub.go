package handlers

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/alert"
	"github.com/san-kum/knife-guard/server/metrics"
	"github.com/san-kum/knife-guard/server/models"
	"github.com/san-kum/knife-guard/server/processor"
	"github.com/san-kum/knife-guard/server/session"
)

const (
	sendBufferSize = 64
	soundURL       = "/api/v1/alert/sound"
)

// CaptureURL is where a stored capture can be downloaded.
func CaptureURL(streamID, filename string) string {
	return fmt.Sprintf("/api/v1/streams/%s/captures/%s", streamID, filename)
}

type client struct {
	streamID string
	send     chan models.ServerMessage
}

// Hub fans stream events out to the websocket clients watching each stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) register(streamID string) *client {
	c := &client{streamID: streamID, send: make(chan models.ServerMessage, sendBufferSize)}

	h.mu.Lock()
	if h.clients[streamID] == nil {
		h.clients[streamID] = make(map[*client]struct{})
	}
	h.clients[streamID][c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ActiveClients.Add(1)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.streamID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			h.metrics.ActiveClients.Add(-1)
		}
		if len(set) == 0 {
			delete(h.clients, c.streamID)
		}
	}
	h.mu.Unlock()
}

// Clients returns the number of clients watching streamID.
func (h *Hub) Clients(streamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[streamID])
}

// broadcast never blocks; a client whose buffer is full misses the message.
func (h *Hub) broadcast(streamID, messageType string, data any) {
	message := models.ServerMessage{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[streamID] {
		select {
		case c.send <- message:
		default:
			h.logger.Warn("Client too slow, dropping message",
				zap.String("stream", streamID),
				zap.String("type", messageType))
		}
	}
}

func (h *Hub) FrameProcessed(streamID string, res processor.Result) {
	h.broadcast(streamID, models.TypeDetections, models.DetectionMessage{StreamID: streamID, Result: res})
}

func (h *Hub) AlertRaised(banner alert.Banner) {
	h.broadcast(banner.StreamID, models.TypeAlert, models.AlertMessage{Banner: banner, SoundURL: soundURL})
}

func (h *Hub) CaptureStored(streamID string, rec session.CaptureRecord) {
	h.broadcast(streamID, models.TypeCapture, models.CaptureMessage{
		StreamID: streamID,
		Capture:  rec,
		URL:      CaptureURL(streamID, rec.Filename),
	})
}
