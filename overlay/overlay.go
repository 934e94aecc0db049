// Package overlay draws bounding boxes and a caption line directly
// onto a media.Frame's packed BGR24 buffer, shared by the Event
// Recorder and the Annotated Re-streamer (spec §4.5, §4.6) so both
// produce identically styled annotated output.
//
// Grounded on golang.org/x/image's font-drawing primitives
// (font.Drawer + basicfont.Face7x13), the same stack gogpu-gg pulls in
// for 2D text rendering, applied here through a minimal draw.Image
// adapter rather than gogpu-gg's path/shader renderer, since a fixed
// bitmap font composited onto a video frame needs none of that.
package overlay

import (
	"image"
	"image/color"

	"github.com/oceaneye/sentinel/media"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
var textColor = color.RGBA{R: 0, G: 255, B: 255, A: 255}

// Draw renders rects as 1px borders and, if caption is non-empty, a
// caption string in the top-left corner, mutating frame.Pix in place.
func Draw(frame *media.Frame, rects []media.Rectangle, caption string) {
	for _, r := range rects {
		drawRectBorder(frame, r)
	}
	if caption != "" {
		drawCaption(frame, caption)
	}
}

func drawRectBorder(frame *media.Frame, r media.Rectangle) {
	set := func(x, y int) {
		if x < 0 || y < 0 || x >= frame.Width || y >= frame.Height {
			return
		}
		i := (y*frame.Width + x) * 3
		frame.Pix[i] = boxColor.B
		frame.Pix[i+1] = boxColor.G
		frame.Pix[i+2] = boxColor.R
	}
	for x := r.X; x < r.X+r.W; x++ {
		set(x, r.Y)
		set(x, r.Y+r.H-1)
	}
	for y := r.Y; y < r.Y+r.H; y++ {
		set(r.X, y)
		set(r.X+r.W-1, y)
	}
}

func drawCaption(frame *media.Frame, caption string) {
	d := &font.Drawer{
		Dst:  &bgrImage{frame: frame},
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(6, 16),
	}
	d.DrawString(caption)
}

// bgrImage adapts a packed BGR24 media.Frame to draw.Image so
// font.Drawer can render glyphs directly onto it without an
// intermediate RGBA buffer.
type bgrImage struct {
	frame *media.Frame
}

func (b *bgrImage) ColorModel() color.Model { return color.RGBAModel }

func (b *bgrImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.frame.Width, b.frame.Height)
}

func (b *bgrImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= b.frame.Width || y >= b.frame.Height {
		return color.RGBA{}
	}
	i := (y*b.frame.Width + x) * 3
	return color.RGBA{R: b.frame.Pix[i+2], G: b.frame.Pix[i+1], B: b.frame.Pix[i], A: 255}
}

func (b *bgrImage) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= b.frame.Width || y >= b.frame.Height {
		return
	}
	r, g, bl, _ := c.RGBA()
	i := (y*b.frame.Width + x) * 3
	b.frame.Pix[i] = byte(bl >> 8)
	b.frame.Pix[i+1] = byte(g >> 8)
	b.frame.Pix[i+2] = byte(r >> 8)
}
