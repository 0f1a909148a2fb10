package detection

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

// channelMajor lays anchors out as (1, 5, N).
func channelMajor(anchors ...[5]float32) *Tensor {
	n := len(anchors)
	data := make([]float32, n*AttributeCount)
	for i, a := range anchors {
		for k := 0; k < AttributeCount; k++ {
			data[k*n+i] = a[k]
		}
	}
	return &Tensor{Shape: []int{1, AttributeCount, n}, Data: data}
}

// anchorMajor lays anchors out as (1, N, 5).
func anchorMajor(anchors ...[5]float32) *Tensor {
	data := make([]float32, 0, len(anchors)*AttributeCount)
	for _, a := range anchors {
		data = append(data, a[:]...)
	}
	return &Tensor{Shape: []int{1, len(anchors), AttributeCount}, Data: data}
}

func TestDecodeRoundTrip(t *testing.T) {
	dec := NewDecoder(640)
	anchor := [5]float32{100, 200, 50, 80, 0.9}

	for _, tensor := range []*Tensor{channelMajor(anchor), anchorMajor(anchor)} {
		boxes, err := dec.Decode(tensor, 1280, 960, 0.6)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, boxes, test.ShouldHaveLength, 1)

		b := boxes[0]
		test.That(t, b.X, test.ShouldAlmostEqual, 150, 1e-4)
		test.That(t, b.Y, test.ShouldAlmostEqual, 240, 1e-4)
		test.That(t, b.W, test.ShouldAlmostEqual, 100, 1e-4)
		test.That(t, b.H, test.ShouldAlmostEqual, 120, 1e-4)
		test.That(t, b.Confidence, test.ShouldAlmostEqual, 0.9, 1e-4)
	}
}

func TestDecodeThresholdBoundary(t *testing.T) {
	dec := NewDecoder(640)
	tensor := channelMajor(
		[5]float32{320, 320, 100, 100, 0.75},
		[5]float32{320, 320, 100, 100, 0.74},
	)

	boxes, err := dec.Decode(tensor, 640, 640, 0.75)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, boxes, test.ShouldHaveLength, 1)
	test.That(t, boxes[0].Confidence, test.ShouldEqual, 0.75)
}

func TestDecodeLayouts(t *testing.T) {
	dec := NewDecoder(640)
	anchors := [][5]float32{
		{100, 100, 80, 80, 0.9},
		{300, 300, 90, 90, 0.1},
		{500, 400, 100, 120, 0.7},
	}

	cm, err := dec.Decode(channelMajor(anchors...), 640, 640, 0.5)
	test.That(t, err, test.ShouldBeNil)
	am, err := dec.Decode(anchorMajor(anchors...), 640, 640, 0.5)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, cm, test.ShouldHaveLength, 2)
	test.That(t, am, test.ShouldResemble, cm)
	test.That(t, cm[1].X, test.ShouldAlmostEqual, 450, 1e-4)
}

func TestDecodeEmpty(t *testing.T) {
	dec := NewDecoder(640)

	boxes, err := dec.Decode(&Tensor{Shape: []int{1, 5, 0}}, 640, 480, 0.6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, boxes, test.ShouldBeEmpty)

	boxes, err = dec.Decode(&Tensor{Shape: []int{1, 0, 5}}, 640, 480, 0.6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, boxes, test.ShouldBeEmpty)
}

func TestDecodeDropsDegenerateBoxes(t *testing.T) {
	dec := NewDecoder(640)
	boxes, err := dec.Decode(channelMajor([5]float32{100, 100, 0, 50, 0.9}), 640, 640, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, boxes, test.ShouldBeEmpty)
}

func TestDecodeUnsupportedLayout(t *testing.T) {
	dec := NewDecoder(640)

	for _, tc := range []struct {
		name   string
		tensor *Tensor
	}{
		{"no attribute dimension", &Tensor{Shape: []int{1, 6, 4}, Data: make([]float32, 24)}},
		{"rank two", &Tensor{Shape: []int{5, 4}, Data: make([]float32, 20)}},
		{"batch of two", &Tensor{Shape: []int{2, 5, 2}, Data: make([]float32, 20)}},
		{"short data", &Tensor{Shape: []int{1, 5, 4}, Data: make([]float32, 19)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dec.Decode(tc.tensor, 640, 480, 0.6)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, errors.Is(err, ErrUnsupportedLayout), test.ShouldBeTrue)

			var layoutErr *UnsupportedLayoutError
			test.That(t, errors.As(err, &layoutErr), test.ShouldBeTrue)
		})
	}
}

func TestDecodeMissingTensor(t *testing.T) {
	_, err := NewDecoder(640).Decode(nil, 640, 480, 0.6)
	test.That(t, err, test.ShouldEqual, ErrMissingTensor)
}

func TestNewTensorValidates(t *testing.T) {
	_, err := NewTensor([]int{1, 5, 2}, make([]float32, 10))
	test.That(t, err, test.ShouldBeNil)

	_, err = NewTensor([]int{1, 5, 2}, make([]float32, 9))
	test.That(t, errors.Is(err, ErrUnsupportedLayout), test.ShouldBeTrue)
}
