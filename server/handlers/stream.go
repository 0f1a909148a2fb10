package handlers

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/alert"
	"github.com/san-kum/knife-guard/server/cache"
	"github.com/san-kum/knife-guard/server/capture"
	"github.com/san-kum/knife-guard/server/models"
	"github.com/san-kum/knife-guard/server/session"
	"github.com/san-kum/knife-guard/server/stream"
)

type StreamHandler struct {
	manager   *stream.Manager
	sound     *alert.Sound
	captures  *capture.Queue
	cache     cache.Cache
	logger    *zap.Logger
	startTime time.Time
}

func NewStreamHandler(manager *stream.Manager, sound *alert.Sound, captures *capture.Queue, c cache.Cache, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		manager:   manager,
		sound:     sound,
		captures:  captures,
		cache:     c,
		logger:    logger,
		startTime: time.Now(),
	}
}

// ProcessFrame runs one posted frame and returns its result.
func (h *StreamHandler) ProcessFrame(c *gin.Context) {
	s, err := h.manager.GetOrCreate(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error()})
		return
	}

	var payload models.FramePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.Error("Invalid request format", zap.Error(err))
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request format", Details: err.Error()})
		return
	}

	frame, err := payload.Frame()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid image data", Details: err.Error()})
		return
	}

	res := s.HandleFrame(c.Request.Context(), frame)
	if res.Skipped {
		c.JSON(http.StatusUnprocessableEntity, models.DetectionMessage{StreamID: s.ID(), Result: res})
		return
	}
	c.JSON(http.StatusOK, models.DetectionMessage{StreamID: s.ID(), Result: res})
}

// lookup resolves the :id parameter of a reporting endpoint. Reporting never
// creates streams.
func (h *StreamHandler) lookup(c *gin.Context) (*stream.Stream, bool) {
	s, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Stream not found"})
	}
	return s, ok
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.manager.Statuses()})
}

func (h *StreamHandler) GetStatus(c *gin.Context) {
	if s, ok := h.lookup(c); ok {
		c.JSON(http.StatusOK, s.Status())
	}
}

func (h *StreamHandler) GetConfidence(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	k, err := queryInt(c, "k", 20)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid k", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": s.ID(),
		"samples":   s.Session().RecentConfidenceSamples(k),
	})
}

func (h *StreamHandler) GetDetectionRate(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	windows, err := queryInt(c, "windows", session.DefaultRateWindows)
	if err != nil || windows < 1 || windows > 60 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "windows must be between 1 and 60"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": s.ID(),
		"windows":   s.Session().DetectionRatePerMinute(time.Now(), windows),
	})
}

func (h *StreamHandler) GetSummary(c *gin.Context) {
	if s, ok := h.lookup(c); ok {
		c.JSON(http.StatusOK, s.Session().Summary())
	}
}

func (h *StreamHandler) ListCaptures(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	type item struct {
		session.CaptureRecord
		URL string `json:"url"`
	}
	records := s.Session().Captures()
	items := make([]item, 0, len(records))
	for _, rec := range records {
		items = append(items, item{CaptureRecord: rec, URL: CaptureURL(s.ID(), rec.Filename)})
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": s.ID(), "captures": items})
}

// GetCapture serves a capture still held in the stream's history.
func (h *StreamHandler) GetCapture(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	filename := filepath.Base(c.Param("file"))
	rec, found := s.Session().FindCapture(filename)
	if !found || rec.Path == "" {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Capture not found"})
		return
	}
	c.FileAttachment(rec.Path, rec.Filename)
}

func (h *StreamHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.DefaultConfig())
}

func (h *StreamHandler) GetAlertSound(c *gin.Context) {
	if h.sound == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "No alert sound available"})
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "audio/wav", h.sound.Data)
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	if !h.manager.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Stream not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	m := h.manager.Metrics()
	response := gin.H{
		"uptime_seconds":   time.Since(h.startTime).Seconds(),
		"streams":          h.manager.IDs(),
		"frames_processed": m.FramesProcessed.Load(),
		"frames_skipped":   m.FramesSkipped.Load(),
		"alerts":           m.Alerts.Load(),
		"active_clients":   m.ActiveClients.Load(),
	}
	if h.captures != nil {
		response["capture_queue"] = h.captures.GetQueueStats()
	}
	if h.cache != nil {
		if stats, err := h.cache.GetStats(c.Request.Context()); err == nil {
			response["cache"] = stats
		}
	}
	c.JSON(http.StatusOK, response)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
