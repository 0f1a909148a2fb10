package inference

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/san-kum/knife-guard/server/detection"
)

var ErrEmptyImage = errors.New("empty image data")

// Preprocess resizes img to side x side with bilinear sampling and returns
// it as a (1, side, side, 3) tensor with channels scaled to [0,1].
func Preprocess(img image.Image, side int) *detection.Tensor {
	resized := imaging.Clone(resize.Resize(uint(side), uint(side), img, resize.Bilinear))

	data := make([]float32, 0, side*side*3)
	for i := 0; i < len(resized.Pix); i += 4 {
		data = append(data,
			float32(resized.Pix[i])/255,
			float32(resized.Pix[i+1])/255,
			float32(resized.Pix[i+2])/255,
		)
	}
	return &detection.Tensor{Shape: []int{1, side, side, 3}, Data: data}
}

// DecodeImage decodes a JPEG or PNG frame given either as raw bytes, base64
// or a data URL.
func DecodeImage(raw string) (image.Image, error) {
	if raw == "" {
		return nil, ErrEmptyImage
	}
	if strings.HasPrefix(raw, "data:") {
		comma := strings.IndexByte(raw, ',')
		if comma < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		raw = raw[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	return DecodeImageBytes(data)
}

func DecodeImageBytes(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
