package detection

// Box is a detected object in image-space pixels. X, Y is the top-left corner.
type Box struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
}

func (b Box) Right() float64 {
	return b.X + b.W
}

func (b Box) Bottom() float64 {
	return b.Y + b.H
}

func (b Box) Area() float64 {
	return b.W * b.H
}

// AspectRatio returns W/H. Callers must not pass boxes with zero height.
func (b Box) AspectRatio() float64 {
	return b.W / b.H
}

// IoU returns the intersection-over-union of two axis-aligned boxes.
// A zero union yields 0.
func IoU(a, b Box) float64 {
	left := max(a.X, b.X)
	top := max(a.Y, b.Y)
	right := min(a.Right(), b.Right())
	bottom := min(a.Bottom(), b.Bottom())

	interW := max(0, right-left)
	interH := max(0, bottom-top)
	inter := interW * interH

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
