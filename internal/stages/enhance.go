// "Social media" enhancement: contrast, gamma, glow, warm tint and a soft vignette
package stages

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

const (
	enhanceContrast   = 1.2
	enhanceLift       = 10
	enhanceGamma      = 0.85
	enhanceGlowSigma  = 1.5
	enhanceGlowWeight = 0.25
	enhanceBrightness = 1.1
	enhanceBrightLift = 15
	enhanceVignette   = 70.0
	enhanceMaskWeight = 0.2
)

// warm tint gains in B, G, R order
var enhanceTint = [3]float64{1.05, 1.07, 1.1}

// Enhance runs the full look in a fixed order. It only touches the frame it is given.
func Enhance(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	lut, err := gammaLUT(a, enhanceGamma)
	if err != nil {
		return gocv.Mat{}, err
	}

	channels := gocv.Split(f.Image)
	for i := range channels {
		a.Track(channels[i])
	}
	for i := range channels {
		stretched := a.NewMat()
		gocv.ConvertScaleAbs(channels[i], &stretched, enhanceContrast, enhanceLift)
		curved := a.NewMat()
		gocv.LUT(stretched, lut, &curved)
		channels[i] = curved
	}
	graded := a.NewMat()
	gocv.Merge(channels, &graded)

	blurred := a.NewMat()
	gocv.GaussianBlur(graded, &blurred, image.Pt(0, 0), enhanceGlowSigma, enhanceGlowSigma, gocv.BorderDefault)
	glow := a.NewMat()
	gocv.AddWeighted(graded, 1-enhanceGlowWeight, blurred, enhanceGlowWeight, 0, &glow)

	bright := a.NewMat()
	gocv.ConvertScaleAbs(glow, &bright, enhanceBrightness, enhanceBrightLift)

	tinted, err := tint(a, bright, enhanceTint)
	if err != nil {
		return gocv.Mat{}, err
	}

	mask, err := radialMask(a, tinted.Rows(), tinted.Cols(), tinted.Channels(), enhanceVignette)
	if err != nil {
		return gocv.Mat{}, err
	}
	out := a.NewMat()
	gocv.AddWeighted(tinted, 1-enhanceMaskWeight, mask, enhanceMaskWeight, 0, &out)
	return out, nil
}

func gammaLUT(a *vision.Arena, gamma float64) (gocv.Mat, error) {
	table := make([]byte, 256)
	for i := range table {
		table[i] = byte(math.Round(math.Pow(float64(i)/255, gamma) * 255))
	}
	return vision.MatFromBytes(a, 1, 256, gocv.MatTypeCV8U, table)
}

func tint(a *vision.Arena, src gocv.Mat, gains [3]float64) (gocv.Mat, error) {
	channels := gocv.Split(src)
	for i := range channels {
		a.Track(channels[i])
	}
	if len(channels) != len(gains) {
		return degenerate(NameEnhance, "tint expects %d channels, got %d", len(gains), len(channels))
	}
	for i := range channels {
		scaled := a.NewMat()
		gocv.ConvertScaleAbs(channels[i], &scaled, gains[i], 0)
		channels[i] = scaled
	}
	out := a.NewMat()
	gocv.Merge(channels, &out)
	return out, nil
}

// radialMask is 255 at the centre and loses strength levels at a distance of
// half the longer side.
func radialMask(a *vision.Arena, rows, cols, channels int, strength float64) (gocv.Mat, error) {
	cx, cy := float64(cols)/2, float64(rows)/2
	radius := math.Max(cx, cy)

	data := make([]byte, rows*cols*channels)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			v := byte(math.Max(0, math.Min(255, 255-d/radius*strength)))
			off := (y*cols + x) * channels
			for c := 0; c < channels; c++ {
				data[off+c] = v
			}
		}
	}
	return vision.MatFromBytes(a, rows, cols, u8Type(channels), data)
}

func u8Type(channels int) gocv.MatType {
	switch channels {
	case 1:
		return gocv.MatTypeCV8U
	case 4:
		return gocv.MatTypeCV8UC4
	default:
		return gocv.MatTypeCV8UC3
	}
}
