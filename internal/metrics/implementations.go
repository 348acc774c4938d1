// Concrete implementations of quality metrics
package metrics

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

// PSNR implements Peak Signal-to-Noise Ratio over all channels.
type PSNR struct{}

func NewPSNR() *PSNR {
	return &PSNR{}
}

// maxPSNR is reported for identical images instead of +Inf so the value survives JSON.
const maxPSNR = 100.0

func (p *PSNR) Calculate(a *vision.Arena, original, processed gocv.Mat) (float64, error) {
	if err := sameShape(original, processed); err != nil {
		return 0, err
	}

	mse := meanSquaredError(a, original, processed)
	if mse == 0 {
		return maxPSNR, nil
	}

	return math.Min(maxPSNR, 20*math.Log10(255/math.Sqrt(mse))), nil
}

func (p *PSNR) GetName() string              { return "PSNR" }
func (p *PSNR) GetRange() (float64, float64) { return 0, maxPSNR }
func (p *PSNR) IsHigherBetter() bool         { return true }

// Sharpness is the ratio of Laplacian variance after and before processing.
type Sharpness struct{}

func NewSharpness() *Sharpness {
	return &Sharpness{}
}

func (s *Sharpness) Calculate(a *vision.Arena, original, processed gocv.Mat) (float64, error) {
	if original.Empty() || processed.Empty() {
		return 0, fmt.Errorf("empty images")
	}

	origSharpness := laplacianVariance(a, original)
	procSharpness := laplacianVariance(a, processed)

	if origSharpness == 0 {
		return 1.0, nil
	}
	return procSharpness / origSharpness, nil
}

func laplacianVariance(a *vision.Arena, input gocv.Mat) float64 {
	gray := ensureGrayscale(a, input)

	laplacian := a.NewMat()
	gocv.Laplacian(gray, &laplacian, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	_, stddev := meanStdDev(a, laplacian)
	return stddev * stddev
}

func (s *Sharpness) GetName() string              { return "Sharpness" }
func (s *Sharpness) GetRange() (float64, float64) { return 0, 2 }
func (s *Sharpness) IsHigherBetter() bool         { return true }

// ContrastRatio compares RMS contrast (grey-level standard deviation).
type ContrastRatio struct{}

func NewContrastRatio() *ContrastRatio {
	return &ContrastRatio{}
}

func (c *ContrastRatio) Calculate(a *vision.Arena, original, processed gocv.Mat) (float64, error) {
	if original.Empty() || processed.Empty() {
		return 0, fmt.Errorf("empty images")
	}

	_, origContrast := meanStdDev(a, ensureGrayscale(a, original))
	_, procContrast := meanStdDev(a, ensureGrayscale(a, processed))

	if origContrast == 0 {
		return 1.0, nil
	}
	return procContrast / origContrast, nil
}

func (c *ContrastRatio) GetName() string              { return "Contrast Ratio" }
func (c *ContrastRatio) GetRange() (float64, float64) { return 0, 2 }
func (c *ContrastRatio) IsHigherBetter() bool         { return true }

// MSE is the mean squared error of the grey levels.
type MSE struct{}

func NewMSE() *MSE {
	return &MSE{}
}

func (m *MSE) Calculate(a *vision.Arena, original, processed gocv.Mat) (float64, error) {
	if err := sameShape(original, processed); err != nil {
		return 0, err
	}
	return meanSquaredError(a, ensureGrayscale(a, original), ensureGrayscale(a, processed)), nil
}

func (m *MSE) GetName() string              { return "MSE" }
func (m *MSE) GetRange() (float64, float64) { return 0, 255 * 255 }
func (m *MSE) IsHigherBetter() bool         { return false }

// SSIM is the mean structural similarity of the grey levels, using an 11x11
// Gaussian window with sigma 1.5.
type SSIM struct{}

func NewSSIM() *SSIM {
	return &SSIM{}
}

const (
	ssimC1 = 6.5025  // (0.01 * 255)^2
	ssimC2 = 58.5225 // (0.03 * 255)^2

	ssimWindow = 11
	ssimSigma  = 1.5
)

func (s *SSIM) Calculate(a *vision.Arena, original, processed gocv.Mat) (float64, error) {
	if err := sameShape(original, processed); err != nil {
		return 0, err
	}

	gray1, gray2 := ensureGrayscale(a, original), ensureGrayscale(a, processed)
	f1 := a.NewMat()
	gray1.ConvertTo(&f1, gocv.MatTypeCV32F)
	f2 := a.NewMat()
	gray2.ConvertTo(&f2, gocv.MatTypeCV32F)

	window := func(src gocv.Mat) (gocv.Mat, error) {
		return vision.GaussianBlur(a, src, ssimWindow, ssimSigma, ssimSigma)
	}
	product := func(x, y gocv.Mat) gocv.Mat {
		dst := a.NewMat()
		gocv.Multiply(x, y, &dst)
		return dst
	}
	// local (co)variance: E[xy] - E[x]E[y]
	covariance := func(x, y, meanXY gocv.Mat) (gocv.Mat, error) {
		blurred, err := window(product(x, y))
		if err != nil {
			return gocv.Mat{}, err
		}
		dst := a.NewMat()
		gocv.Subtract(blurred, meanXY, &dst)
		return dst, nil
	}

	mu1, err := window(f1)
	if err != nil {
		return 0, err
	}
	mu2, err := window(f2)
	if err != nil {
		return 0, err
	}
	mu1Sq, mu2Sq, mu1Mu2 := product(mu1, mu1), product(mu2, mu2), product(mu1, mu2)

	sigma1Sq, err := covariance(f1, f1, mu1Sq)
	if err != nil {
		return 0, err
	}
	sigma2Sq, err := covariance(f2, f2, mu2Sq)
	if err != nil {
		return 0, err
	}
	sigma12, err := covariance(f1, f2, mu1Mu2)
	if err != nil {
		return 0, err
	}

	// (2 mu1 mu2 + C1)(2 sigma12 + C2)
	num1 := a.NewMat()
	mu1Mu2.ConvertToWithParams(&num1, gocv.MatTypeCV32F, 2, ssimC1)
	num2 := a.NewMat()
	sigma12.ConvertToWithParams(&num2, gocv.MatTypeCV32F, 2, ssimC2)

	// (mu1^2 + mu2^2 + C1)(sigma1^2 + sigma2^2 + C2)
	den1 := a.NewMat()
	gocv.AddWeighted(mu1Sq, 1, mu2Sq, 1, ssimC1, &den1)
	den2 := a.NewMat()
	gocv.AddWeighted(sigma1Sq, 1, sigma2Sq, 1, ssimC2, &den2)

	ssimMap := a.NewMat()
	gocv.Divide(product(num1, num2), product(den1, den2), &ssimMap)
	if ssimMap.Empty() {
		return 0, fmt.Errorf("ssim map is empty")
	}
	return ssimMap.Mean().Val1, nil
}

func (s *SSIM) GetName() string              { return "SSIM" }
func (s *SSIM) GetRange() (float64, float64) { return 0, 1 }
func (s *SSIM) IsHigherBetter() bool         { return true }

func sameShape(original, processed gocv.Mat) error {
	if original.Empty() || processed.Empty() {
		return fmt.Errorf("empty images")
	}
	if !vision.SameSize(original, processed) || original.Type() != processed.Type() {
		return fmt.Errorf("image dimensions mismatch")
	}
	return nil
}

func ensureGrayscale(a *vision.Arena, input gocv.Mat) gocv.Mat {
	if input.Channels() == 1 {
		return input
	}

	gray := a.NewMat()
	gocv.CvtColor(input, &gray, gocv.ColorBGRToGray)
	return gray
}

// meanSquaredError averages the squared per-pixel difference over all channels.
func meanSquaredError(a *vision.Arena, x, y gocv.Mat) float64 {
	diff := a.NewMat()
	gocv.AbsDiff(x, y, &diff)
	f := a.NewMat()
	diff.ConvertTo(&f, gocv.MatTypeCV32F)
	sq := a.NewMat()
	gocv.Multiply(f, f, &sq)

	m := sq.Mean()
	perChannel := []float64{m.Val1, m.Val2, m.Val3, m.Val4}
	n := x.Channels()
	if n < 1 || n > len(perChannel) {
		return 0
	}
	sum := 0.0
	for _, v := range perChannel[:n] {
		sum += v
	}
	return sum / float64(n)
}

func meanStdDev(a *vision.Arena, input gocv.Mat) (mean, stddev float64) {
	m := a.NewMat()
	s := a.NewMat()
	gocv.MeanStdDev(input, &m, &s)
	if m.Empty() || s.Empty() {
		return 0, 0
	}
	return m.GetDoubleAt(0, 0), s.GetDoubleAt(0, 0)
}
