// Filter stages for sharpening and noise reduction
package stages

import (
	"image"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

// 3x3 centre-weighted kernel; weights sum to 1 so flat regions are unchanged.
var sharpenKernel = []float32{
	0, -1, 0,
	-1, 5, -1,
	0, -1, 0,
}

const (
	// edge-preserving spatial pass ahead of non-local means
	denoiseDiameter   = 5
	denoiseSigmaColor = 30
	denoiseSigmaSpace = 30

	denoiseStrength      = 3
	denoiseColorStrength = 3
	denoiseTemplate      = 7
	denoiseSearch        = 21

	// weight of the current frame in the temporal pass
	denoiseTemporal = 0.85
)

// Sharpen convolves the frame with sharpenKernel.
func Sharpen(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	kernel, err := floatMat(a, 3, 3, gocv.MatTypeCV32F, sharpenKernel)
	if err != nil {
		return gocv.Mat{}, err
	}

	sharpened := a.NewMat()
	gocv.Filter2D(f.Image, &sharpened, gocv.MatTypeCV8U, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	return sharpened, nil
}

// Denoise runs a bilateral pass and non-local means colour denoising, then
// smooths towards the previous frame when one of the same size is available.
func Denoise(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	spatial, err := vision.BilateralFilter(a, f.Image, denoiseDiameter, denoiseSigmaColor, denoiseSigmaSpace)
	if err != nil {
		return gocv.Mat{}, err
	}

	denoised := a.NewMat()
	gocv.FastNlMeansDenoisingColoredWithParams(spatial, &denoised,
		denoiseStrength, denoiseColorStrength, denoiseTemplate, denoiseSearch)

	if !f.HasPrevious || !vision.SameSize(denoised, f.Previous) {
		return denoised, nil
	}

	smoothed := a.NewMat()
	gocv.AddWeighted(denoised, denoiseTemporal, f.Previous, 1-denoiseTemporal, 0, &smoothed)
	return smoothed, nil
}
