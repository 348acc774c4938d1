package stages

import (
	"image"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

const (
	blendCurrent  = 0.7
	blendPrevious = 0.3
)

// Blend composites the frame over the previous one with fixed weights. The
// previous frame is resized first when the dimensions differ.
func Blend(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	prev := f.Previous
	if !vision.SameSize(f.Image, prev) {
		cols, rows := size(f.Image)
		resized := a.NewMat()
		gocv.Resize(prev, &resized, image.Pt(cols, rows), 0, 0, gocv.InterpolationLinear)
		prev = resized
	}

	blended := a.NewMat()
	gocv.AddWeighted(f.Image, blendCurrent, prev, blendPrevious, 0, &blended)
	return blended, nil
}
