package models

import (
	"encoding/json"

	"github.com/san-kum/knife-guard/server/alert"
	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/inference"
	"github.com/san-kum/knife-guard/server/processor"
	"github.com/san-kum/knife-guard/server/session"
	"github.com/san-kum/knife-guard/server/stream"
)

// Message types exchanged over the websocket.
const (
	TypeFrame         = "frame"
	TypePing          = "ping"
	TypeConfig        = "config"
	TypeReset         = "reset"
	TypeDetections    = "detections"
	TypeAlert         = "alert"
	TypeCapture       = "capture"
	TypeStatus        = "status"
	TypePong          = "pong"
	TypeConfigUpdated = "config_updated"
	TypeError         = "error"
)

// FramePayload carries either the model output for a frame or the encoded
// frame itself for server-side inference.
type FramePayload struct {
	Tensor      *detection.Tensor `json:"tensor,omitempty"`
	ImageData   string            `json:"image_data,omitempty"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	TimestampMS int64             `json:"timestamp_ms,omitempty"`
}

// Frame converts the payload. The observation time is left to the server.
func (p *FramePayload) Frame() (stream.Frame, error) {
	f := stream.Frame{Tensor: p.Tensor, Width: p.Width, Height: p.Height}
	if p.ImageData != "" {
		img, err := inference.DecodeImage(p.ImageData)
		if err != nil {
			return stream.Frame{}, err
		}
		f.Image = img
	}
	return f, nil
}

type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type DetectionMessage struct {
	StreamID string `json:"stream_id"`
	processor.Result
}

type AlertMessage struct {
	alert.Banner
	SoundURL string `json:"sound_url"`
}

type CaptureMessage struct {
	StreamID string                `json:"stream_id"`
	Capture  session.CaptureRecord `json:"capture"`
	URL      string                `json:"url"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
