package stages

import (
	"gocv.io/x/gocv"
)

// ColorCorrect equalizes lightness in Lab space and stretches each chroma
// channel to the full range. A flat chroma channel is left as is.
func ColorCorrect(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	lab := a.NewMat()
	gocv.CvtColor(f.Image, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	for i := range channels {
		a.Track(channels[i])
	}
	if len(channels) != 3 {
		return degenerate(NameColorCorrect, "expected 3 channels, got %d", len(channels))
	}

	lightness := a.NewMat()
	gocv.EqualizeHist(channels[0], &lightness)
	channels[0] = lightness

	for i := 1; i < 3; i++ {
		minVal, maxVal, _, _ := gocv.MinMaxLoc(channels[i])
		if minVal >= maxVal {
			continue
		}
		stretched := a.NewMat()
		gocv.Normalize(channels[i], &stretched, 0, 255, gocv.NormMinMax)
		channels[i] = stretched
	}

	merged := a.NewMat()
	gocv.Merge(channels, &merged)

	corrected := a.NewMat()
	gocv.CvtColor(merged, &corrected, gocv.ColorLabToBGR)
	return corrected, nil
}
