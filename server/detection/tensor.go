package detection

import (
	"errors"
	"fmt"
)

// AttributeCount is the number of values per anchor: cx, cy, w, h, confidence.
const AttributeCount = 5

var (
	ErrUnsupportedLayout = errors.New("unsupported tensor layout")
	ErrMissingTensor     = errors.New("missing output tensor")
	ErrInvalidFrameSize  = errors.New("frame width and height must be positive")
)

// UnsupportedLayoutError reports a tensor whose shape does not match
// (1, 5, N) or (1, N, 5).
type UnsupportedLayoutError struct {
	Shape  []int
	Reason string
}

func (e *UnsupportedLayoutError) Error() string {
	return fmt.Sprintf("unsupported tensor layout %v: %s", e.Shape, e.Reason)
}

func (e *UnsupportedLayoutError) Is(target error) bool {
	return target == ErrUnsupportedLayout
}

// Layout describes how anchors and attributes are interleaved in Tensor.Data.
type Layout int

const (
	// ChannelMajor is (1, 5, N): all center-x values first, then center-y, ...
	ChannelMajor Layout = iota
	// AnchorMajor is (1, N, 5): the five attributes of each anchor are contiguous.
	AnchorMajor
)

func (l Layout) String() string {
	switch l {
	case ChannelMajor:
		return "channel-major"
	case AnchorMajor:
		return "anchor-major"
	default:
		return "unknown"
	}
}

// Tensor is the raw output of the detector for a single frame.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NewTensor builds a tensor and checks the data length against the shape.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	t := &Tensor{Shape: append([]int(nil), shape...), Data: data}
	if _, _, err := t.Layout(); err != nil {
		return nil, err
	}
	return t, nil
}

// Layout inspects the shape and returns the layout and anchor count.
// When both non-batch dimensions equal AttributeCount, channel-major wins.
func (t *Tensor) Layout() (Layout, int, error) {
	if t == nil {
		return 0, 0, ErrMissingTensor
	}
	if len(t.Shape) != 3 {
		return 0, 0, &UnsupportedLayoutError{Shape: t.Shape, Reason: "expected 3 dimensions"}
	}
	if t.Shape[0] != 1 {
		return 0, 0, &UnsupportedLayoutError{Shape: t.Shape, Reason: "batch size must be 1"}
	}

	var (
		layout  Layout
		anchors int
	)
	switch {
	case t.Shape[1] == AttributeCount:
		layout, anchors = ChannelMajor, t.Shape[2]
	case t.Shape[2] == AttributeCount:
		layout, anchors = AnchorMajor, t.Shape[1]
	default:
		return 0, 0, &UnsupportedLayoutError{Shape: t.Shape, Reason: "no dimension equals attribute count"}
	}

	if anchors < 0 {
		return 0, 0, &UnsupportedLayoutError{Shape: t.Shape, Reason: "negative anchor count"}
	}
	if len(t.Data) != anchors*AttributeCount {
		return 0, 0, &UnsupportedLayoutError{
			Shape:  t.Shape,
			Reason: fmt.Sprintf("data length %d does not match %d anchors", len(t.Data), anchors),
		}
	}
	return layout, anchors, nil
}

// strides returns the distance between consecutive attributes of one anchor
// and between the same attribute of consecutive anchors.
func (l Layout) strides(anchors int) (attr, anchor int) {
	if l == ChannelMajor {
		return anchors, 1
	}
	return 1, AttributeCount
}
