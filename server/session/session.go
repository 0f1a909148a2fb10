package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"

	"github.com/san-kum/knife-guard/server/detection"
)

// Event is one analysed frame as seen by the history charts.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Detected  bool      `json:"detected"`
	BoxCount  int       `json:"box_count"`
}

// CaptureRecord describes a stored capture of an alerting frame.
type CaptureRecord struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	Path           string    `json:"-"`
	Timestamp      time.Time `json:"timestamp"`
	DetectionCount int       `json:"detection_count"`
}

// WindowCount is the number of detecting frames in [Start, End).
type WindowCount struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

type Summary struct {
	FramesAnalysed int64   `json:"frames_analysed"`
	TotalAlerts    int     `json:"total_alerts"`
	DetectionRate  float64 `json:"detection_rate_percent"`
	MeanConfidence float64 `json:"mean_confidence"`
	MaxConfidence  float64 `json:"max_confidence"`
	Captures       int     `json:"captures"`
	Status         string  `json:"status"`
}

type Options struct {
	CaptureCap    int
	ConfidenceCap int
	HistoryCap    int
	HistoryWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		CaptureCap:    20,
		ConfidenceCap: 100,
		HistoryCap:    20000,
		HistoryWindow: 10 * time.Minute,
	}
}

const DefaultRateWindows = 5

// Session holds the bounded per-stream history read by the reporting API.
type Session struct {
	mu          sync.RWMutex
	opts        Options
	events      []Event
	captures    []CaptureRecord
	confidences []float64
	frames      int64
	alerts      int
}

func New(opts Options) *Session {
	def := DefaultOptions()
	if opts.CaptureCap <= 0 {
		opts.CaptureCap = def.CaptureCap
	}
	if opts.ConfidenceCap <= 0 {
		opts.ConfidenceCap = def.ConfidenceCap
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = def.HistoryCap
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = def.HistoryWindow
	}
	return &Session{opts: opts}
}

// RecordEvent appends an analysed frame and trims history that fell out of
// the retention window or over the entry cap.
func (s *Session) RecordEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.events = append(s.events, e)

	cutoff := e.Timestamp.Add(-s.opts.HistoryWindow)
	drop := 0
	for drop < len(s.events) && s.events[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(s.events) - drop - s.opts.HistoryCap; over > 0 {
		drop += over
	}
	if drop > 0 {
		s.events = append(s.events[:0:0], s.events[drop:]...)
	}
}

// RecordAlert counts one cooldown-gated alert.
func (s *Session) RecordAlert() {
	s.mu.Lock()
	s.alerts++
	s.mu.Unlock()
}

// RecordCapture inserts rec into the capture list, which stays ordered newest
// first by Timestamp even when saves finish out of order, and returns the
// records that were pushed out by the cap, oldest last.
func (s *Session) RecordCapture(rec CaptureRecord) []CaptureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := sort.Search(len(s.captures), func(i int) bool {
		return !s.captures[i].Timestamp.After(rec.Timestamp)
	})
	s.captures = append(s.captures, CaptureRecord{})
	copy(s.captures[at+1:], s.captures[at:])
	s.captures[at] = rec
	if len(s.captures) <= s.opts.CaptureCap {
		return nil
	}
	evicted := append([]CaptureRecord(nil), s.captures[s.opts.CaptureCap:]...)
	s.captures = s.captures[:s.opts.CaptureCap]
	return evicted
}

// RecordConfidence appends the confidences of the boxes shown this frame.
func (s *Session) RecordConfidence(boxes []detection.Box) {
	if len(boxes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confidences = append(s.confidences, lo.Map(boxes, func(b detection.Box, _ int) float64 {
		return b.Confidence
	})...)
	if over := len(s.confidences) - s.opts.ConfidenceCap; over > 0 {
		s.confidences = append(s.confidences[:0:0], s.confidences[over:]...)
	}
}

// RecentConfidenceSamples returns up to k of the newest samples, oldest first.
// k <= 0 returns every retained sample.
func (s *Session) RecentConfidenceSamples(k int) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if k > 0 && k < len(s.confidences) {
		start = len(s.confidences) - k
	}
	return append([]float64{}, s.confidences[start:]...)
}

// DetectionRatePerMinute buckets detecting frames into trailing one-minute
// windows ending at now, oldest first.
func (s *Session) DetectionRatePerMinute(now time.Time, windows int) []WindowCount {
	if windows <= 0 {
		windows = DefaultRateWindows
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WindowCount, 0, windows)
	for i := windows; i >= 1; i-- {
		start := now.Add(-time.Duration(i) * time.Minute)
		end := start.Add(time.Minute)
		count := lo.CountBy(s.events, func(e Event) bool {
			return e.Detected && !e.Timestamp.Before(start) && e.Timestamp.Before(end)
		})
		out = append(out, WindowCount{
			Label: fmt.Sprintf("-%dmin", i-1),
			Start: start,
			End:   end,
			Count: count,
		})
	}
	return out
}

func (s *Session) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// Captures returns the retained captures, newest first.
func (s *Session) Captures() []CaptureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CaptureRecord{}, s.captures...)
}

func (s *Session) FindCapture(filename string) (CaptureRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Find(s.captures, func(rec CaptureRecord) bool {
		return rec.Filename == filename
	})
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		FramesAnalysed: s.frames,
		TotalAlerts:    s.alerts,
		Captures:       len(s.captures),
		Status:         "SAFE",
	}
	if s.frames > 0 {
		sum.DetectionRate = float64(s.alerts) / float64(s.frames) * 100
	}
	if s.alerts > 0 {
		sum.Status = "ALERT ACTIVE"
	}
	if len(s.confidences) > 0 {
		data := stats.Float64Data(s.confidences)
		if mean, err := stats.Mean(data); err == nil {
			sum.MeanConfidence = mean
		}
		if maxConf, err := stats.Max(data); err == nil {
			sum.MaxConfidence = maxConf
		}
	}
	return sum
}

// Reset drops all history and returns the captures that were held so their
// files can be released.
func (s *Session) Reset() []CaptureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	captures := s.captures
	s.events = nil
	s.captures = nil
	s.confidences = nil
	s.frames = 0
	s.alerts = 0
	return captures
}
