// Editor adjustments applied to processed frames before a loop is exported
package loop

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

// DefaultFilterAlpha is the opacity of a "#rrggbb" overlay tint.
const DefaultFilterAlpha = 0.2

// Adjustments mirror the editor sliders. Percentages use 100 as identity.
type Adjustments struct {
	Brightness float64 `yaml:"brightness" json:"brightness"`
	Contrast   float64 `yaml:"contrast" json:"contrast"`
	Saturation float64 `yaml:"saturation" json:"saturation"`
	Blur       float64 `yaml:"blur" json:"blur"`
	HueRotate  float64 `yaml:"hue_rotate" json:"hueRotate"`
}

func DefaultAdjustments() Adjustments {
	return Adjustments{Brightness: 100, Contrast: 100, Saturation: 100}
}

func (adj Adjustments) Validate() error {
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"brightness", adj.Brightness},
		{"contrast", adj.Contrast},
		{"saturation", adj.Saturation},
	} {
		if p.value < 0 || p.value > 200 {
			return fmt.Errorf("%s must be within 0..200%%, got %g", p.name, p.value)
		}
	}
	if adj.Blur < 0 || adj.Blur > 10 {
		return fmt.Errorf("blur must be within 0..10px, got %g", adj.Blur)
	}
	if adj.HueRotate < 0 || adj.HueRotate > 360 {
		return fmt.Errorf("hue rotation must be within 0..360 degrees, got %g", adj.HueRotate)
	}
	return nil
}

func (adj Adjustments) IsIdentity() bool {
	return adj.Brightness == 100 && adj.Contrast == 100 && adj.Saturation == 100 &&
		adj.Blur == 0 && math.Mod(adj.HueRotate, 360) == 0
}

// Tint is an overlay colour in BGR order with its opacity.
type Tint struct {
	Colour gocv.Scalar
	Alpha  float64
}

// filterPresets are the named tints offered by the editor.
var filterPresets = map[string]Tint{
	"grayscale": rgbaTint(128, 128, 128, 0.5),
	"sepia":     rgbaTint(112, 66, 20, 0.5),
	"bright":    rgbaTint(255, 255, 255, 0.8),
	"dark":      rgbaTint(0, 0, 0, 0.5),
}

func rgbaTint(r, g, b, alpha float64) Tint {
	return Tint{Colour: gocv.NewScalar(b, g, r, 0), Alpha: alpha}
}

// FilterPresets lists the preset names accepted by ParseFilter.
func FilterPresets() []string {
	names := make([]string, 0, len(filterPresets))
	for name := range filterPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseFilter parses an overlay filter: a preset name, "rgba(r, g, b, a)",
// "rgb(r, g, b)" or "#rrggbb" (opacity DefaultFilterAlpha). An empty string or
// "none" means no overlay.
func ParseFilter(s string) (Tint, bool, error) {
	spec := strings.ToLower(strings.TrimSpace(s))
	if spec == "" || spec == "none" {
		return Tint{}, false, nil
	}
	if t, ok := filterPresets[spec]; ok {
		return t, true, nil
	}

	switch {
	case strings.HasPrefix(spec, "#"):
		hex := spec[1:]
		if len(hex) != 6 {
			return Tint{}, false, fmt.Errorf("invalid filter colour %q", s)
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return Tint{}, false, fmt.Errorf("invalid filter colour %q: %w", s, err)
		}
		return rgbaTint(float64(v>>16&0xff), float64(v>>8&0xff), float64(v&0xff), DefaultFilterAlpha), true, nil

	case strings.HasPrefix(spec, "rgba(") || strings.HasPrefix(spec, "rgb("):
		t, err := parseRGBA(spec)
		if err != nil {
			return Tint{}, false, fmt.Errorf("invalid filter colour %q: %w", s, err)
		}
		return t, true, nil
	}
	return Tint{}, false, fmt.Errorf("unknown filter %q (presets: %s)", s, strings.Join(FilterPresets(), ", "))
}

func parseRGBA(spec string) (Tint, error) {
	open, end := strings.IndexByte(spec, '('), strings.LastIndexByte(spec, ')')
	if end != len(spec)-1 {
		return Tint{}, fmt.Errorf("missing closing parenthesis")
	}
	fn, parts := spec[:open], strings.Split(spec[open+1:end], ",")
	want := 4
	if fn == "rgb" {
		want = 3
	}
	if len(parts) != want {
		return Tint{}, fmt.Errorf("%s takes %d components, got %d", fn, want, len(parts))
	}

	var rgb [3]float64
	for i := range rgb {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return Tint{}, err
		}
		if v < 0 || v > 255 {
			return Tint{}, fmt.Errorf("component %d out of range 0..255", v)
		}
		rgb[i] = float64(v)
	}

	alpha := 1.0
	if want == 4 {
		var err error
		alpha, err = strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return Tint{}, err
		}
		if alpha < 0 || alpha > 1 {
			return Tint{}, fmt.Errorf("alpha %g out of range 0..1", alpha)
		}
	}
	return rgbaTint(rgb[0], rgb[1], rgb[2], alpha), nil
}

// Apply returns buf with the adjustments and overlay applied. Identity settings
// return a copy of buf without touching the vision runtime.
func Apply(buf vision.RawPixelBuffer, adj Adjustments, filter string, stats *vision.Stats) (vision.RawPixelBuffer, error) {
	tint, tinted, err := ParseFilter(filter)
	if err != nil {
		return vision.RawPixelBuffer{}, err
	}
	if adj.IsIdentity() && (!tinted || tint.Alpha == 0) {
		return buf.Clone(), nil
	}

	a := vision.NewArena("adjust", stats)
	defer a.Close()

	img, err := buf.ToMat(a)
	if err != nil {
		return vision.RawPixelBuffer{}, err
	}

	if adj.Brightness != 100 || adj.Contrast != 100 {
		b, c := adj.Brightness/100, adj.Contrast/100
		out := a.NewMat()
		img.ConvertToWithParams(&out, gocv.MatTypeCV8UC3, float32(b*c), float32(128*(1-c)))
		img = out
	}

	if adj.Saturation != 100 || math.Mod(adj.HueRotate, 360) != 0 {
		img, err = shiftHSV(a, img, adj.Saturation/100, adj.HueRotate)
		if err != nil {
			return vision.RawPixelBuffer{}, err
		}
	}

	if adj.Blur > 0 {
		img, err = vision.GaussianBlur(a, img, 0, adj.Blur, adj.Blur)
		if err != nil {
			return vision.RawPixelBuffer{}, err
		}
	}

	if tinted && tint.Alpha > 0 {
		img, err = overlay(a, img, tint)
		if err != nil {
			return vision.RawPixelBuffer{}, err
		}
	}

	return vision.FromMat(a, img)
}

// overlay blends a flat tint over src with the overlay mode: dark channels
// are multiplied by twice the tint, light ones screened. The result is mixed
// back into src at the tint's opacity.
func overlay(a *vision.Arena, src gocv.Mat, t Tint) (gocv.Mat, error) {
	channels := gocv.Split(src)
	for i := range channels {
		a.Track(channels[i])
	}
	if len(channels) != 3 {
		return gocv.Mat{}, fmt.Errorf("expected 3 colour channels, got %d", len(channels))
	}

	tint := [3]float64{t.Colour.Val1, t.Colour.Val2, t.Colour.Val3}
	for i, ch := range channels {
		c := tint[i] / 255

		// b <= 127: 2bc
		low := a.NewMat()
		ch.ConvertToWithParams(&low, gocv.MatTypeCV8U, float32(2*c), 0)
		// b > 127: 1 - 2(1-b)(1-c)
		high := a.NewMat()
		ch.ConvertToWithParams(&high, gocv.MatTypeCV8U, float32(2*(1-c)), float32(255*(2*c-1)))

		dark := a.NewMat()
		gocv.Threshold(ch, &dark, 127, 255, gocv.ThresholdBinaryInv)
		low.CopyToWithMask(&high, dark)
		channels[i] = high
	}

	blended := a.NewMat()
	gocv.Merge(channels, &blended)
	out := a.NewMat()
	gocv.AddWeighted(src, 1-t.Alpha, blended, t.Alpha, 0, &out)
	return out, nil
}

// shiftHSV scales saturation and rotates hue. OpenCV stores 8-bit hue as
// degrees/2.
func shiftHSV(a *vision.Arena, src gocv.Mat, saturation, degrees float64) (gocv.Mat, error) {
	hsv := a.NewMat()
	gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	for i := range channels {
		a.Track(channels[i])
	}
	if len(channels) != 3 {
		return gocv.Mat{}, fmt.Errorf("expected 3 HSV channels, got %d", len(channels))
	}

	lut, err := hueLUT(a, degrees)
	if err != nil {
		return gocv.Mat{}, err
	}
	hue := a.NewMat()
	gocv.LUT(channels[0], lut, &hue)
	channels[0] = hue

	sat := a.NewMat()
	channels[1].ConvertToWithParams(&sat, gocv.MatTypeCV8U, float32(saturation), 0)
	channels[1] = sat

	merged := a.NewMat()
	gocv.Merge(channels, &merged)
	out := a.NewMat()
	gocv.CvtColor(merged, &out, gocv.ColorHSVToBGR)
	return out, nil
}

func hueLUT(a *vision.Arena, degrees float64) (gocv.Mat, error) {
	shift := int(math.Round(degrees/2)) % 180
	if shift < 0 {
		shift += 180
	}
	table := make([]byte, 256)
	for i := range table {
		if i < 180 {
			table[i] = byte((i + shift) % 180)
		} else {
			table[i] = byte(i)
		}
	}
	return vision.MatFromBytes(a, 1, 256, gocv.MatTypeCV8U, table)
}
