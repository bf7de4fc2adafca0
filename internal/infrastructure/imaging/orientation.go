package imaging

import (
	"image"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ApplyOrientation returns a copy of img transformed so that it displays upright
// for the given EXIF orientation (1..8). Orientation 0 or 1 returns img itself.
func ApplyOrientation(img image.Image, orientation int) image.Image {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	var m f64.Aff3
	swap := false
	switch orientation {
	case 2:
		m = f64.Aff3{-1, 0, w, 0, 1, 0}
	case 3:
		m = f64.Aff3{-1, 0, w, 0, -1, h}
	case 4:
		m = f64.Aff3{1, 0, 0, 0, -1, h}
	case 5:
		m, swap = f64.Aff3{0, 1, 0, 1, 0, 0}, true
	case 6:
		m, swap = f64.Aff3{0, -1, h, 1, 0, 0}, true
	case 7:
		m, swap = f64.Aff3{0, -1, h, -1, 0, w}, true
	case 8:
		m, swap = f64.Aff3{0, 1, 0, -1, 0, w}, true
	default:
		return img
	}

	// shift source bounds to the origin
	mx, my := float64(b.Min.X), float64(b.Min.Y)
	m[2] -= m[0]*mx + m[1]*my
	m[5] -= m[3]*mx + m[4]*my

	rect := image.Rect(0, 0, b.Dx(), b.Dy())
	if swap {
		rect = image.Rect(0, 0, b.Dy(), b.Dx())
	}
	dst := newCanvas(img, rect)
	draw.NearestNeighbor.Transform(dst, m, img, b, draw.Src, nil)
	return dst
}

func newCanvas(like image.Image, rect image.Rectangle) draw.Image {
	if _, ok := like.(*image.Gray); ok {
		return image.NewGray(rect)
	}
	return image.NewRGBA(rect)
}
