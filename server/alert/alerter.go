package alert

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const BannerMessage = "KNIFE DETECTED!"

// Banner is the alert shown to a stream's viewers until Until.
type Banner struct {
	StreamID   string    `json:"stream_id"`
	Message    string    `json:"message"`
	Detections int       `json:"detections"`
	RaisedAt   time.Time `json:"raised_at"`
	Until      time.Time `json:"until"`
}

// Notifier is told about every alert that passed the capture cooldown.
type Notifier interface {
	Notify(streamID string, detections int) Banner
	Active(streamID string) (Banner, bool)
	Clear(streamID string)
}

// Alerter keeps the banner of each stream visible for a fixed display time.
type Alerter struct {
	clock   clock.Clock
	display time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	banners map[string]Banner
}

func NewAlerter(clk clock.Clock, display time.Duration, logger *zap.Logger) *Alerter {
	return &Alerter{
		clock:   clk,
		display: display,
		logger:  logger,
		banners: make(map[string]Banner),
	}
}

// Notify raises the banner for streamID, restarting its display time.
func (a *Alerter) Notify(streamID string, detections int) Banner {
	now := a.clock.Now()
	b := Banner{
		StreamID:   streamID,
		Message:    BannerMessage,
		Detections: detections,
		RaisedAt:   now,
		Until:      now.Add(a.display),
	}

	a.mu.Lock()
	a.banners[streamID] = b
	a.mu.Unlock()

	a.logger.Warn("Alert raised", zap.String("stream", streamID), zap.Int("detections", detections))
	return b
}

// Active returns the banner of streamID if it is still on display.
func (a *Alerter) Active(streamID string) (Banner, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.banners[streamID]
	if !ok {
		return Banner{}, false
	}
	if !a.clock.Now().Before(b.Until) {
		delete(a.banners, streamID)
		return Banner{}, false
	}
	return b, true
}

func (a *Alerter) Clear(streamID string) {
	a.mu.Lock()
	delete(a.banners, streamID)
	a.mu.Unlock()
}
