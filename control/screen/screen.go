// Package screen keeps a picture of what was last sent to the display, for debugging the rest of the
// program without looking at the board (or without a board attached).
package screen

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"sync"

	"github.com/jrockway/beaglebone-tm1668/control/tm1668"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	rows               = tm1668.Segments
	cols               = 8
	previewScale       = 20 // Size of one bit in the rendered image.
	previewPixelBorder = 10 // Border around right and bottom of each bit, to simulate LED spacing.
	labelWidth         = 40 // Room for the hex value of each row.
)

var (
	background = color.NRGBA{A: 0xff}
	litColor   = color.NRGBA{R: 0xff, G: 0x30, B: 0x10, A: 0xff}
	darkColor  = color.NRGBA{R: 0x30, G: 0x10, B: 0x10, A: 0xff}
	labelColor = color.NRGBA{R: 0xa0, G: 0xa0, B: 0xa0, A: 0xff}
)

// Screen is a preview of the TM1668's display memory.  Each row of the picture is one segment byte, with
// bit 0 on the left.
type Screen struct {
	imageMu  sync.Mutex
	segments []byte       // must hold imageMu to read or write.
	image    *image.NRGBA // must hold imageMu to read or write.
}

// NewScreen returns a Screen showing a blank display.
func NewScreen() *Screen {
	blank := make([]byte, rows)
	return &Screen{segments: blank, image: render(blank)}
}

// Show records the image most recently sent to the chip.  It has the signature of tm1668.Opts.OnRefresh.
func (s *Screen) Show(segments []byte) {
	img := render(segments)
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	s.segments = append(s.segments[:0], segments...)
	s.image = img
}

// Segments returns the image most recently passed to Show.
func (s *Screen) Segments() []byte {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	return append([]byte(nil), s.segments...)
}

// ServeHTTP serves the current picture as a PNG.
func (s *Screen) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if err := png.Encode(w, s.image); err != nil {
		logrus.WithError(err).Warn("encoding preview image")
	}
}

// cellRect returns the rectangle that represents the given bit.
func cellRect(row, bit int) image.Rectangle {
	scale := previewScale + previewPixelBorder
	return image.Rect(bit*scale, row*scale, bit*scale+previewScale, row*scale+previewScale)
}

// render draws segment bytes as a grid of lit and unlit cells.  Rows past the end of segments are drawn
// dark.
func render(segments []byte) *image.NRGBA {
	scale := previewScale + previewPixelBorder
	img := image.NewNRGBA(image.Rect(0, 0, cols*scale+labelWidth, rows*scale))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
	}
	for row := 0; row < rows; row++ {
		var b byte
		if row < len(segments) {
			b = segments[row]
		}
		for bit := 0; bit < cols; bit++ {
			c := darkColor
			if b&(1<<bit) != 0 {
				c = litColor
			}
			draw.Draw(img, cellRect(row, bit), image.NewUniform(c), image.Point{}, draw.Src)
		}
		drawer.Dot = fixed.P(cols*scale+4, row*scale+previewScale-4)
		drawer.DrawString(fmt.Sprintf("%02x", b))
	}
	return img
}
