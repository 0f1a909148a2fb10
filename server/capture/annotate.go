package capture

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/san-kum/knife-guard/server/detection"
)

var (
	boxColor   = color.RGBA{R: 0xe7, G: 0x4c, B: 0x3c, A: 0xff}
	labelColor = color.NRGBA{R: 0xe7, G: 0x4c, B: 0x3c, A: 0xe6}
)

const (
	lineWidth   = 3
	labelHeight = 20
	labelPad    = 5
)

// Label is the text drawn above a box.
func Label(b detection.Box) string {
	return fmt.Sprintf("KNIFE %.0f%%", b.Confidence*100)
}

// Annotate draws boxes and their labels over a copy of frame. A nil frame is
// replaced by a black canvas of width by height.
func Annotate(frame image.Image, width, height int, boxes []detection.Box) image.Image {
	var dc *gg.Context
	if frame != nil {
		dc = gg.NewContextForImage(frame)
	} else {
		dc = gg.NewContext(width, height)
		dc.SetColor(color.Black)
		dc.Clear()
	}

	for _, b := range boxes {
		dc.SetColor(boxColor)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(b.X, b.Y, b.W, b.H)
		dc.Stroke()

		label := Label(b)
		textWidth, _ := dc.MeasureString(label)
		top, baseline := b.Y, b.Y+14
		if b.Y > labelHeight {
			top, baseline = b.Y-25, b.Y-8
		}
		dc.SetColor(labelColor)
		dc.DrawRectangle(b.X, top, textWidth+2*labelPad, labelHeight)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawString(label, b.X+labelPad, baseline)
	}
	return dc.Image()
}
