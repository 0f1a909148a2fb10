package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/inference"
)

// Source yields frames until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// FrameRecord is one line of a recorded frame file.
type FrameRecord struct {
	TimestampMS int64             `json:"timestamp_ms"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Tensor      *detection.Tensor `json:"tensor,omitempty"`
	Image       string            `json:"image,omitempty"`
}

// Frame converts the record, decoding its image when present.
func (r FrameRecord) Frame() (Frame, error) {
	f := Frame{Tensor: r.Tensor, Width: r.Width, Height: r.Height}
	if r.TimestampMS > 0 {
		f.At = time.UnixMilli(r.TimestampMS)
	}
	if r.Image != "" {
		img, err := inference.DecodeImage(r.Image)
		if err != nil {
			return Frame{}, err
		}
		f.Image = img
	}
	return f, nil
}

const maxRecordBytes = 64 << 20

// RecordError reports a single unusable line. Reading can continue after it.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// JSONLSource reads one FrameRecord per line.
type JSONLSource struct {
	scanner *bufio.Scanner
	line    int
}

func NewJSONLSource(r io.Reader) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxRecordBytes)
	return &JSONLSource{scanner: scanner}
}

func (s *JSONLSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, io.EOF
		}
		s.line++
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec FrameRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return Frame{}, &RecordError{Line: s.line, Err: err}
		}
		f, err := rec.Frame()
		if err != nil {
			return Frame{}, &RecordError{Line: s.line, Err: err}
		}
		return f, nil
	}
}

// Run feeds frames from src into s, one per tick of interval, until src is
// exhausted or ctx is cancelled. A zero interval replays as fast as possible.
// Unusable records are logged and skipped; any other read error ends the run.
func Run(ctx context.Context, s *Stream, src Source, clk clock.Clock, interval time.Duration, logger *zap.Logger) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}

		f, err := src.Next(ctx)
		var recErr *RecordError
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.As(err, &recErr):
			logger.Warn("Skipping unreadable frame", zap.String("stream", s.ID()), zap.Error(err))
			continue
		case err != nil:
			return err
		}
		s.HandleFrame(ctx, f)
	}
}
