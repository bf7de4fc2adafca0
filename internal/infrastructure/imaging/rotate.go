package imaging

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Rotator turns images counter-clockwise around their centre, growing the canvas
// so that no corner is clipped. Uncovered areas are filled white.
type Rotator struct{}

func NewRotator() *Rotator {
	return &Rotator{}
}

func (r *Rotator) Rotate(img image.Image, angle float64) (image.Image, error) {
	return Rotate(img, angle), nil
}

func Rotate(img image.Image, angle float64) image.Image {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	rad := angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	newW := int(h*math.Abs(sin) + w*math.Abs(cos))
	newH := int(h*math.Abs(cos) + w*math.Abs(sin))
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	cx, cy := w/2, h/2
	m := f64.Aff3{
		cos, sin, (1-cos)*cx - sin*cy + float64(newW)/2 - cx,
		-sin, cos, sin*cx + (1-cos)*cy + float64(newH)/2 - cy,
	}
	mx, my := float64(b.Min.X), float64(b.Min.Y)
	m[2] -= m[0]*mx + m[1]*my
	m[5] -= m[3]*mx + m[4]*my

	dst := newCanvas(img, image.Rect(0, 0, newW, newH))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.BiLinear.Transform(dst, m, img, b, draw.Over, nil)
	return dst
}
