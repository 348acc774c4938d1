package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func flatMat(a *Arena, v float64) gocv.Mat {
	m := a.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(v, v, v, 0))
	return m
}

func TestGaussianBlurFlatUnchanged(t *testing.T) {
	stats := &Stats{}
	a := NewArena("gaussian", stats)

	src := flatMat(a, 90)
	for _, k := range []int{0, 4, 5} {
		out, err := GaussianBlur(a, src, k, 1.5, 1.5)
		require.NoError(t, err)
		assert.True(t, a.Owns(out))
		assert.True(t, SameSize(src, out))
		assert.InDelta(t, 90, out.Mean().Val1, 0.5, "kernel %d", k)
	}

	a.Close()
	assert.Zero(t, stats.Live())
}

func TestGaussianBlurSmoothsEdge(t *testing.T) {
	a := NewArena("edge", nil)
	defer a.Close()

	src := a.NewMatWithSize(8, 8, gocv.MatTypeCV8U)
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			src.SetUCharAt(y, x, 255)
		}
	}
	out, err := GaussianBlur(a, src, 5, 1, 1)
	require.NoError(t, err)
	v := out.GetUCharAt(4, 4)
	assert.Greater(t, v, uint8(0))
	assert.Less(t, v, uint8(255))
}

func TestBilateralFilterFlatUnchanged(t *testing.T) {
	stats := &Stats{}
	a := NewArena("bilateral", stats)

	src := flatMat(a, 140)
	out, err := BilateralFilter(a, src, 5, 30, 30)
	require.NoError(t, err)
	assert.True(t, SameSize(src, out))
	assert.InDelta(t, 140, out.Mean().Val2, 0.5)

	a.Close()
	assert.Zero(t, stats.Live())
}

func TestFilterParams(t *testing.T) {
	a := NewArena("params", nil)
	defer a.Close()
	src := flatMat(a, 10)

	tests := []struct {
		name string
		run  func() error
	}{
		{"gaussian empty", func() error { _, err := GaussianBlur(a, gocv.Mat{}, 5, 1, 1); return err }},
		{"gaussian kernel", func() error { _, err := GaussianBlur(a, src, 23, 1, 1); return err }},
		{"gaussian sigma", func() error { _, err := GaussianBlur(a, src, 5, 0, 1); return err }},
		{"gaussian sigma y", func() error { _, err := GaussianBlur(a, src, 5, 1, 11); return err }},
		{"bilateral empty", func() error { _, err := BilateralFilter(a, gocv.Mat{}, 5, 30, 30); return err }},
		{"bilateral diameter", func() error { _, err := BilateralFilter(a, src, 2, 30, 30); return err }},
		{"bilateral colour", func() error { _, err := BilateralFilter(a, src, 5, 5, 30); return err }},
		{"bilateral space", func() error { _, err := BilateralFilter(a, src, 5, 30, 250); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.run())
		})
	}
	assert.Equal(t, 1, a.Live())
}
