package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 480
	placeholderText   = "NO VIDEO STREAM"
)

var (
	placeholderOnce  sync.Once
	placeholderBytes []byte
)

// Placeholder returns the JPEG served while no producer is connected. It is
// rendered once and the returned bytes must not be modified.
func Placeholder() []byte {
	placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{20, 20, 20, 255}), image.Point{}, draw.Src)

		face := basicfont.Face7x13
		textWidth := font.MeasureString(face, placeholderText).Ceil()
		drawer := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.White),
			Face: face,
			Dot: fixed.P(
				(placeholderWidth-textWidth)/2,
				placeholderHeight/2,
			),
		}
		drawer.DrawString(placeholderText)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
			panic("placeholder encode failed: " + err.Error())
		}
		placeholderBytes = buf.Bytes()
	})
	return placeholderBytes
}
