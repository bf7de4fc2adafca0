package imaging

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

// areaKernel is a box filter; when downscaling x/image/draw widens it to the
// scale factor, which averages every source pixel covered by a target pixel.
var areaKernel = &draw.Kernel{
	Support: 0.5,
	At:      func(float64) float64 { return 1 },
}

type Preprocessor struct{}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Preprocess applies the EXIF orientation, bounded resize and grayscale
// conversion. The source image is never modified. EXIF orientation is always
// honored; OrientationCorrectionEnabled only selects the engine's own
// orientation detection.
func (p *Preprocessor) Preprocess(src domain.SourceImage, cfg domain.PipelineConfig) (image.Image, error) {
	if src.Image == nil || src.Image.Bounds().Empty() {
		return nil, domain.WrapError(domain.ErrFileRead, "preprocess image", fmt.Errorf("image has no pixels"))
	}

	img := src.Image
	if src.Orientation > 1 {
		img = ApplyOrientation(img, src.Orientation)
	}
	img = ResizeToWidth(img, cfg.MaxImageWidthPx)
	if cfg.GrayscaleEnabled {
		img = ToGray(img)
	}
	return img, nil
}

// ResizeToWidth scales img proportionally so that its width does not exceed maxWidth.
func ResizeToWidth(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	scale := float64(maxWidth) / float64(b.Dx())
	height := int(math.Round(float64(b.Dy()) * scale))
	if height < 1 {
		height = 1
	}

	dst := newCanvas(img, image.Rect(0, 0, maxWidth, height))
	areaKernel.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		out := image.NewGray(g.Rect)
		copy(out.Pix, g.Pix)
		return out
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
