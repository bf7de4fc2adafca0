// Package opencv estimates text skew with OpenCV edge and line detection.
package opencv

import (
	"fmt"
	"image"
	"image/draw"
	"math"

	"gocv.io/x/gocv"

	"github.com/kirillkom/cardmint-ocr/internal/core/policy"
)

const (
	cannyLow       = 50
	cannyHigh      = 150
	houghRho       = 1
	houghThreshold = 100

	// Lines further than this from horizontal are not text baselines.
	maxBaselineTilt = 45.0
)

type SkewEstimator struct{}

func NewSkewEstimator() *SkewEstimator {
	return &SkewEstimator{}
}

// EstimateSkew returns the dominant text skew in degrees, positive when lines
// descend to the right. It returns 0 when no candidate line is found.
func (e *SkewEstimator) EstimateSkew(img image.Image) (float64, error) {
	gray, err := toGrayMat(img)
	if err != nil {
		return 0, err
	}
	defer gray.Close()

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, cannyLow, cannyHigh)

	lines := gocv.NewMat()
	defer lines.Close()
	gocv.HoughLines(edges, &lines, houghRho, float32(math.Pi/180), houghThreshold)

	candidates := make([]float64, 0, lines.Rows())
	for i := 0; i < lines.Rows(); i++ {
		theta := float64(lines.GetVecfAt(i, 0)[1])
		if a, ok := BaselineAngle(theta); ok {
			candidates = append(candidates, a)
		}
	}

	angle, ok := policy.DominantSkewAngle(candidates)
	if !ok {
		return 0, nil
	}
	return angle, nil
}

// BaselineAngle converts a Hough normal angle (radians) into a baseline tilt in
// degrees. A horizontal line has a normal of 90 degrees and a tilt of 0.
func BaselineAngle(theta float64) (float64, bool) {
	tilt := theta*180/math.Pi - 90
	if math.Abs(tilt) > maxBaselineTilt {
		return 0, false
	}
	return tilt, true
}

func toGrayMat(img image.Image) (gocv.Mat, error) {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || gray.Stride != b.Dx() || b.Min != (image.Point{}) {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}
	mat, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, gray.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert image for skew estimation: %w", err)
	}
	return mat, nil
}

// Versions reports the gocv binding and linked OpenCV versions.
func Versions() (binding, library string) {
	return gocv.Version(), gocv.OpenCVVersion()
}
