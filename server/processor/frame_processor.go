package processor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/session"
)

// Frame is the input of one pipeline step.
type Frame struct {
	Tensor *detection.Tensor
	Width  int
	Height int
}

// State is everything carried from one frame to the next.
type State struct {
	Level       AlertState      `json:"level"`
	Detections  []detection.Box `json:"detections"`
	LastCapture time.Time       `json:"last_capture"`
	TotalAlerts int             `json:"total_alerts"`
	Frames      int64           `json:"frames"`
}

type ActionKind int

const (
	// ActionRender asks the renderer to replace the overlay with Boxes.
	ActionRender ActionKind = iota
	ActionAlert
	// ActionCapture asks for the current frame to be stored with DetectionCount.
	ActionCapture
	ActionRecordEvent
)

func (k ActionKind) String() string {
	switch k {
	case ActionRender:
		return "render"
	case ActionAlert:
		return "alert"
	case ActionCapture:
		return "capture"
	case ActionRecordEvent:
		return "record_event"
	default:
		return "unknown"
	}
}

func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ActionKind) UnmarshalText(text []byte) error {
	for kind := ActionRender; kind <= ActionRecordEvent; kind++ {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown action kind %q", text)
}

// Action is a side effect requested by a step. Executing it is up to the driver.
type Action struct {
	Kind           ActionKind      `json:"kind"`
	Boxes          []detection.Box `json:"boxes,omitempty"`
	DetectionCount int             `json:"detection_count,omitempty"`
	Event          *session.Event  `json:"event,omitempty"`
}

// Trace counts boxes after each pipeline stage.
type Trace struct {
	Decoded    int `json:"decoded"`
	Filtered   int `json:"filtered"`
	Suppressed int `json:"suppressed"`
}

type Result struct {
	Level   AlertState      `json:"level"`
	Status  string          `json:"status"`
	Boxes   []detection.Box `json:"boxes"`
	Actions []Action        `json:"actions"`
	Trace   Trace           `json:"trace"`
	Skipped bool            `json:"skipped"`
	Error   string          `json:"error,omitempty"`
}

// Has reports whether the result requests an action of the given kind.
func (r Result) Has(kind ActionKind) bool {
	for _, a := range r.Actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Detect runs decode, filter and suppress for one frame.
func Detect(cfg Config, in Frame) ([]detection.Box, Trace, error) {
	// boxes would be scaled to nothing and the frame reported as safe
	if in.Width <= 0 || in.Height <= 0 {
		return nil, Trace{}, fmt.Errorf("%w: got %dx%d", detection.ErrInvalidFrameSize, in.Width, in.Height)
	}
	decoded, err := detection.NewDecoder(cfg.ModelSide).Decode(in.Tensor, in.Width, in.Height, cfg.ConfidenceThreshold)
	if err != nil {
		return nil, Trace{}, err
	}
	filtered := detection.Filter(decoded, in.Width, in.Height, cfg.MinSizePixels)
	final := detection.Suppress(filtered, cfg.IoUThreshold)

	return final, Trace{
		Decoded:    len(decoded),
		Filtered:   len(filtered),
		Suppressed: len(final),
	}, nil
}

// Step advances st by one frame observed at now. On error the returned state
// is st unchanged and the result is marked skipped.
func Step(cfg Config, st State, in Frame, now time.Time) (State, Result, error) {
	boxes, trace, err := Detect(cfg, in)
	if err != nil {
		return st, Result{
			Level:   st.Level,
			Status:  st.Level.StatusText(),
			Boxes:   st.Detections,
			Skipped: true,
			Error:   err.Error(),
		}, err
	}

	next := st
	next.Frames++
	event := session.Event{Timestamp: now, Detected: len(boxes) > 0, BoxCount: len(boxes)}
	result := Result{Trace: trace}

	if len(boxes) > 0 {
		next.Level = Danger
		next.Detections = boxes
		result.Actions = append(result.Actions, Action{Kind: ActionRender, Boxes: boxes})

		if now.Sub(st.LastCapture) > cfg.CaptureCooldown {
			next.LastCapture = now
			next.TotalAlerts++
			result.Actions = append(result.Actions,
				Action{Kind: ActionAlert},
				Action{Kind: ActionCapture, Boxes: boxes, DetectionCount: len(boxes)},
			)
		}
	} else {
		next.Level = Safe
		next.Detections = nil
		result.Actions = append(result.Actions, Action{Kind: ActionRender})
	}
	result.Actions = append(result.Actions, Action{Kind: ActionRecordEvent, Event: &event})

	result.Level = next.Level
	result.Status = next.Level.StatusText()
	result.Boxes = next.Detections
	return next, result, nil
}

// traceEvery is how often, in frames, stage counts are logged.
const traceEvery = 30

// FrameProcessor owns the state of one stream and feeds it through Step.
// It is not safe for concurrent use.
type FrameProcessor struct {
	config Config
	state  State
	logger *zap.Logger
}

func NewFrameProcessor(cfg Config, logger *zap.Logger) *FrameProcessor {
	return &FrameProcessor{
		config: cfg,
		logger: logger,
	}
}

// Process runs one frame. Failures are logged and the frame is skipped; they
// never stop the caller's loop.
func (fp *FrameProcessor) Process(in Frame, now time.Time) Result {
	next, result, err := Step(fp.config, fp.state, in, now)
	if err != nil {
		fp.logger.Warn("Skipping frame", zap.Error(err), zap.Int64("frame", fp.state.Frames))
		return result
	}
	fp.state = next

	if next.Frames%traceEvery == 1 {
		fp.logger.Debug("Frame pipeline",
			zap.Int64("frame", next.Frames),
			zap.Int("decoded", result.Trace.Decoded),
			zap.Int("filtered", result.Trace.Filtered),
			zap.Int("kept", result.Trace.Suppressed))
	}
	if result.Has(ActionAlert) {
		fp.logger.Info("Knife detected",
			zap.Int("detections", len(result.Boxes)),
			zap.Int("total_alerts", next.TotalAlerts))
	}
	return result
}

// State returns a copy of the current state.
func (fp *FrameProcessor) State() State {
	st := fp.state
	st.Detections = append([]detection.Box(nil), fp.state.Detections...)
	return st
}

func (fp *FrameProcessor) Config() Config {
	return fp.config
}

func (fp *FrameProcessor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fp.config = cfg
	fp.logger.Info("Configuration updated", zap.Any("config", cfg))
	return nil
}

func (fp *FrameProcessor) Reset() {
	fp.state = State{}
}
