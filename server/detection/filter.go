package detection

import "github.com/samber/lo"

// Aspect ratio (w/h) bounds; both ends are accepted.
const (
	MinAspectRatio = 0.3
	MaxAspectRatio = 3.0
)

// Filter drops boxes that leave the image, are smaller than minSize on either
// side, or have an implausible aspect ratio. Partially visible boxes are
// discarded, not clamped.
func Filter(boxes []Box, imgW, imgH int, minSize float64) []Box {
	return lo.Filter(boxes, func(b Box, _ int) bool {
		return Accept(b, imgW, imgH, minSize)
	})
}

// Accept reports whether a single box passes the geometric checks.
func Accept(b Box, imgW, imgH int, minSize float64) bool {
	if b.X < 0 || b.Y < 0 {
		return false
	}
	if b.Right() > float64(imgW) || b.Bottom() > float64(imgH) {
		return false
	}
	if b.W < minSize || b.H < minSize {
		return false
	}
	if b.H <= 0 {
		return false
	}
	ratio := b.AspectRatio()
	return ratio >= MinAspectRatio && ratio <= MaxAspectRatio
}
