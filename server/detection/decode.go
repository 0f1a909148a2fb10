package detection

// DefaultModelSide is the side of the square model input the boxes are expressed in.
const DefaultModelSide = 640

// Decoder turns raw detector output into pixel-space boxes.
type Decoder struct {
	ModelSide float64
}

func NewDecoder(modelSide float64) *Decoder {
	if modelSide <= 0 {
		modelSide = DefaultModelSide
	}
	return &Decoder{ModelSide: modelSide}
}

// Decode extracts every anchor with confidence >= threshold and converts it
// from center form in model space to corner form in an imgW x imgH image.
// Anchors whose decoded width or height is not positive are dropped.
func (d *Decoder) Decode(t *Tensor, imgW, imgH int, threshold float64) ([]Box, error) {
	layout, anchors, err := t.Layout()
	if err != nil {
		return nil, err
	}

	side := d.ModelSide
	if side <= 0 {
		side = DefaultModelSide
	}
	scaleX := float64(imgW) / side
	scaleY := float64(imgH) / side

	attrStride, anchorStride := layout.strides(anchors)
	boxes := make([]Box, 0)

	for i := 0; i < anchors; i++ {
		base := i * anchorStride
		conf := float64(t.Data[base+4*attrStride])
		if conf < threshold {
			continue
		}

		cx := float64(t.Data[base])
		cy := float64(t.Data[base+attrStride])
		w := float64(t.Data[base+2*attrStride])
		h := float64(t.Data[base+3*attrStride])

		box := Box{
			X:          (cx - w/2) * scaleX,
			Y:          (cy - h/2) * scaleY,
			W:          w * scaleX,
			H:          h * scaleY,
			Confidence: conf,
		}
		if box.W <= 0 || box.H <= 0 {
			continue
		}
		boxes = append(boxes, box)
	}

	return boxes, nil
}
