package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

// Loader reads image files from disk and decodes them together with their EXIF orientation.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

func (l *Loader) Load(ctx context.Context, path string) (domain.SourceImage, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceImage{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.SourceImage{}, domain.WrapError(domain.ErrFileRead, "read image", err)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return domain.SourceImage{}, domain.WrapError(domain.ErrFileRead, "decode image", err)
	}
	if b := img.Bounds(); b.Empty() {
		return domain.SourceImage{}, domain.WrapError(domain.ErrFileRead, "decode image", fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy()))
	}

	return domain.SourceImage{
		Image:       img,
		Format:      format,
		Orientation: readOrientation(raw),
	}, nil
}

// readOrientation returns 0 when the file carries no readable EXIF orientation.
func readOrientation(raw []byte) int {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 0
	}
	return v
}
