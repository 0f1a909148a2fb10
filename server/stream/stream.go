package stream

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/alert"
	"github.com/san-kum/knife-guard/server/capture"
	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/inference"
	"github.com/san-kum/knife-guard/server/metrics"
	"github.com/san-kum/knife-guard/server/processor"
	"github.com/san-kum/knife-guard/server/session"
)

// Frame is one camera frame. Tensor is the model output when the caller ran
// inference itself; otherwise Image is sent through the configured engine.
type Frame struct {
	Tensor *detection.Tensor
	Image  image.Image
	Width  int
	Height int
	// At is when the frame was observed. Zero means now.
	At time.Time
}

// Observer receives the outcome of every frame and capture.
type Observer interface {
	FrameProcessed(streamID string, res processor.Result)
	AlertRaised(banner alert.Banner)
	CaptureStored(streamID string, rec session.CaptureRecord)
}

// Remover releases stored capture files.
type Remover interface {
	Remove(records []session.CaptureRecord) error
}

// Deps are the collaborators shared by every stream. Engine, Captures,
// Remover and Observer may be nil.
type Deps struct {
	Engine   inference.Engine
	Notifier alert.Notifier
	Captures *capture.Queue
	Remover  Remover
	Observer Observer
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Status is the externally visible state of a stream.
type Status struct {
	ID          string               `json:"id"`
	Level       processor.AlertState `json:"level"`
	Status      string               `json:"status"`
	Detections  []detection.Box      `json:"detections"`
	TotalAlerts int                  `json:"total_alerts"`
	Frames      int64                `json:"frames"`
	LastCapture time.Time            `json:"last_capture"`
	LastFrame   time.Time            `json:"last_frame"`
	Alert       *alert.Banner        `json:"alert,omitempty"`
	Config      processor.Config     `json:"config"`
}

// Stream runs frames of one camera through the pipeline and carries out
// the actions each step asks for.
type Stream struct {
	id      string
	deps    *Deps
	logger  *zap.Logger
	session *session.Session

	mu        sync.Mutex
	processor *processor.FrameProcessor
	lastFrame time.Time
	// generation changes on every Reset so captures queued before it can be
	// told apart from current ones.
	generation uint64
}

func newStream(id string, cfg processor.Config, opts session.Options, deps *Deps) *Stream {
	logger := deps.Logger.With(zap.String("stream", id))
	return &Stream{
		id:        id,
		deps:      deps,
		logger:    logger,
		session:   session.New(opts),
		processor: processor.NewFrameProcessor(cfg, logger),
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Session() *session.Session {
	return s.session
}

// HandleFrame runs f through inference when needed and then the pipeline.
// Errors never escape: a failing frame comes back as a skipped result.
func (s *Stream) HandleFrame(ctx context.Context, f Frame) processor.Result {
	started := s.deps.Clock.Now()
	if f.At.IsZero() {
		f.At = started
	}
	if f.Image != nil {
		if f.Width == 0 || f.Height == 0 {
			f.Width, f.Height = f.Image.Bounds().Dx(), f.Image.Bounds().Dy()
		}
		if f.Tensor == nil && s.deps.Engine != nil {
			tensor, err := s.deps.Engine.Infer(ctx, f.Image)
			if err != nil {
				s.deps.Metrics.InferenceErrors.Add(1)
				s.logger.Warn("Inference failed, skipping frame", zap.Error(err))
			} else {
				f.Tensor = tensor
			}
		}
	}

	s.mu.Lock()
	res := s.processor.Process(processor.Frame{Tensor: f.Tensor, Width: f.Width, Height: f.Height}, f.At)
	if res.Skipped {
		s.mu.Unlock()
		s.deps.Metrics.FramesSkipped.Add(1)
		s.notifyFrame(res)
		return res
	}

	s.lastFrame = f.At
	if len(res.Boxes) > 0 {
		s.session.RecordConfidence(res.Boxes)
	}
	for _, action := range res.Actions {
		s.execute(action, f, len(res.Boxes))
	}
	s.mu.Unlock()

	s.deps.Metrics.FramesProcessed.Add(1)
	s.deps.Metrics.Detections.Add(uint64(len(res.Boxes)))
	s.notifyFrame(res)
	s.deps.Metrics.ObserveFrame(s.deps.Clock.Since(started))
	return res
}

func (s *Stream) execute(action processor.Action, f Frame, detections int) {
	switch action.Kind {
	case processor.ActionRender:
		// rendering is left to observers, which get the full result
	case processor.ActionAlert:
		s.session.RecordAlert()
		s.deps.Metrics.Alerts.Add(1)
		banner := s.deps.Notifier.Notify(s.id, detections)
		if s.deps.Observer != nil {
			s.deps.Observer.AlertRaised(banner)
		}
	case processor.ActionCapture:
		s.capture(action, f)
	case processor.ActionRecordEvent:
		if action.Event != nil {
			s.session.RecordEvent(*action.Event)
		}
	}
}

func (s *Stream) capture(action processor.Action, f Frame) {
	if s.deps.Captures == nil {
		return
	}
	// called with s.mu held
	generation := s.generation
	ok := s.deps.Captures.Enqueue(&capture.Job{
		StreamID: s.id,
		Frame:    f.Image,
		Width:    f.Width,
		Height:   f.Height,
		Boxes:    action.Boxes,
		At:       f.At,
		Done: func(rec session.CaptureRecord, err error) {
			s.captureDone(generation, rec, err)
		},
	})
	if !ok {
		s.deps.Metrics.CapturesDropped.Add(1)
	}
}

func (s *Stream) captureDone(generation uint64, rec session.CaptureRecord, err error) {
	if err != nil {
		s.deps.Metrics.CapturesFailed.Add(1)
		return
	}
	s.deps.Metrics.CapturesSaved.Add(1)

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		s.logger.Debug("Dropping capture from before reset", zap.String("file", rec.Filename))
		s.release([]session.CaptureRecord{rec})
		return
	}
	evicted := s.session.RecordCapture(rec)
	s.mu.Unlock()

	s.release(evicted)
	if s.deps.Observer != nil {
		s.deps.Observer.CaptureStored(s.id, rec)
	}
}

func (s *Stream) release(records []session.CaptureRecord) {
	if s.deps.Remover == nil || len(records) == 0 {
		return
	}
	if err := s.deps.Remover.Remove(records); err != nil {
		s.logger.Warn("Failed to remove old captures", zap.Error(err))
	}
}

func (s *Stream) notifyFrame(res processor.Result) {
	if s.deps.Observer != nil {
		s.deps.Observer.FrameProcessed(s.id, res)
	}
}

func (s *Stream) Status() Status {
	s.mu.Lock()
	st := s.processor.State()
	cfg := s.processor.Config()
	lastFrame := s.lastFrame
	s.mu.Unlock()

	status := Status{
		ID:          s.id,
		Level:       st.Level,
		Status:      st.Level.StatusText(),
		Detections:  st.Detections,
		TotalAlerts: st.TotalAlerts,
		Frames:      st.Frames,
		LastCapture: st.LastCapture,
		LastFrame:   lastFrame,
		Config:      cfg,
	}
	if banner, ok := s.deps.Notifier.Active(s.id); ok {
		status.Alert = &banner
	}
	return status
}

// UpdateConfig applies client overrides on top of the current configuration.
func (s *Stream) UpdateConfig(overrides map[string]any) (processor.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.processor.Config().Merge(overrides)
	if err := s.processor.UpdateConfig(cfg); err != nil {
		return s.processor.Config(), err
	}
	return cfg, nil
}

// Reset clears pipeline state and history and deletes the stream's captures.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.processor.Reset()
	s.lastFrame = time.Time{}
	s.generation++
	held := s.session.Reset()
	s.mu.Unlock()

	s.deps.Notifier.Clear(s.id)
	s.release(held)
	s.logger.Info("Stream reset")
}
