package stages

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

const (
	warpMaxAngle = 2.0  // degrees
	warpMaxZoom  = 0.05 // fraction of scale
)

// WarpParams returns the rotation (degrees) and scale for frame index of total.
// The phase runs over one full sine cycle across the burst, so a single frame
// gets the identity transform.
func WarpParams(index, total int) (angle, scale float64) {
	if total <= 0 {
		return 0, 1
	}
	s := math.Sin(2 * math.Pi * float64(index) / float64(total))
	return s * warpMaxAngle, 1 + s*warpMaxZoom
}

// Warp applies the periodic rotation/zoom about the frame centre.
func Warp(f *Frame) (gocv.Mat, error) {
	angle, scale := WarpParams(f.Index, f.Total)
	if angle == 0 && scale == 1 {
		return f.Image, nil
	}

	a := f.Arena
	cols, rows := size(f.Image)

	m := a.Track(gocv.GetRotationMatrix2D(image.Pt(cols/2, rows/2), angle, scale))
	warped := a.NewMat()
	gocv.WarpAffineWithParams(f.Image, &warped, m, image.Pt(cols, rows),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return warped, nil
}
