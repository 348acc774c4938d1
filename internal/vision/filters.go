// Smoothing filters shared by the stages and the editor adjustments
package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Parameter bounds for the smoothing filters.
const (
	MaxGaussianKernel = 21
	MaxGaussianSigma  = 10.0

	MinBilateralDiameter = 3
	MaxBilateralDiameter = 15
	MinBilateralSigma    = 10.0
	MaxBilateralSigma    = 200.0
)

// GaussianBlur blurs src into a Mat owned by a. A kernelSize of 0 derives the
// kernel from the sigmas; even sizes are rounded up to the next odd size.
func GaussianBlur(a *Arena, src gocv.Mat, kernelSize int, sigmaX, sigmaY float64) (gocv.Mat, error) {
	if src.Ptr() == nil || src.Empty() {
		return gocv.Mat{}, fmt.Errorf("input image is empty")
	}
	if kernelSize < 0 || kernelSize > MaxGaussianKernel {
		return gocv.Mat{}, fmt.Errorf("kernel_size must be between 0 and %d", MaxGaussianKernel)
	}
	if sigmaX <= 0 || sigmaX > MaxGaussianSigma {
		return gocv.Mat{}, fmt.Errorf("sigma_x must be within (0, %g]", MaxGaussianSigma)
	}
	if sigmaY <= 0 || sigmaY > MaxGaussianSigma {
		return gocv.Mat{}, fmt.Errorf("sigma_y must be within (0, %g]", MaxGaussianSigma)
	}

	if kernelSize > 0 && kernelSize%2 == 0 {
		kernelSize++
	}

	output := a.NewMat()
	gocv.GaussianBlur(src, &output, image.Pt(kernelSize, kernelSize), sigmaX, sigmaY, gocv.BorderDefault)
	if output.Empty() {
		return gocv.Mat{}, fmt.Errorf("gaussian blur produced an empty image")
	}
	return output, nil
}

// BilateralFilter smooths src while preserving edges. d is the pixel
// neighbourhood diameter.
func BilateralFilter(a *Arena, src gocv.Mat, d int, sigmaColor, sigmaSpace float64) (gocv.Mat, error) {
	if src.Ptr() == nil || src.Empty() {
		return gocv.Mat{}, fmt.Errorf("input image is empty")
	}
	if d < MinBilateralDiameter || d > MaxBilateralDiameter {
		return gocv.Mat{}, fmt.Errorf("d must be between %d and %d", MinBilateralDiameter, MaxBilateralDiameter)
	}
	if sigmaColor < MinBilateralSigma || sigmaColor > MaxBilateralSigma {
		return gocv.Mat{}, fmt.Errorf("sigma_color must be between %g and %g", MinBilateralSigma, MaxBilateralSigma)
	}
	if sigmaSpace < MinBilateralSigma || sigmaSpace > MaxBilateralSigma {
		return gocv.Mat{}, fmt.Errorf("sigma_space must be between %g and %g", MinBilateralSigma, MaxBilateralSigma)
	}

	output := a.NewMat()
	gocv.BilateralFilter(src, &output, d, sigmaColor, sigmaSpace)
	if output.Empty() {
		return gocv.Mat{}, fmt.Errorf("bilateral filter produced an empty image")
	}
	return output, nil
}
