package stages

import (
	"math"

	"gocv.io/x/gocv"
)

// Vignette multiplies the frame by a separable Gaussian falloff whose sigma is
// half the frame size on each axis.
func Vignette(f *Frame) (gocv.Mat, error) {
	a := f.Arena
	cols, rows := size(f.Image)
	channels := f.Image.Channels()

	kx := gaussianFalloff(cols)
	ky := gaussianFalloff(rows)

	vals := make([]float32, rows*cols*channels)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			w := float32(kx[x] * ky[y])
			off := (y*cols + x) * channels
			for c := 0; c < channels; c++ {
				vals[off+c] = w
			}
		}
	}

	floatType := gocv.MatTypeCV32FC3
	if channels == 1 {
		floatType = gocv.MatTypeCV32F
	}
	mask, err := floatMat(a, rows, cols, floatType, vals)
	if err != nil {
		return gocv.Mat{}, err
	}

	img := a.NewMat()
	f.Image.ConvertTo(&img, floatType)
	product := a.NewMat()
	gocv.Multiply(img, mask, &product)

	out := a.NewMat()
	product.ConvertTo(&out, u8Type(channels))
	return out, nil
}

// gaussianFalloff returns n weights peaking at 1 in the middle.
func gaussianFalloff(n int) []float64 {
	k := make([]float64, n)
	sigma := float64(n) / 2
	centre := float64(n-1) / 2
	for i := range k {
		d := float64(i) - centre
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
	}
	return k
}
