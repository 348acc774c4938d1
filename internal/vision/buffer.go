// Raw pixel buffers exchanged with the worker and their Mat conversions
package vision

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Channels is the channel count of every RawPixelBuffer (8-bit RGBA).
const Channels = 4

// RawPixelBuffer is a row-major 8-bit RGBA image. It is the only pixel format that
// crosses the coordinator/worker boundary.
type RawPixelBuffer struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

// NewRawPixelBuffer allocates a zeroed buffer of the given size.
func NewRawPixelBuffer(width, height int) RawPixelBuffer {
	return RawPixelBuffer{
		Width:  width,
		Height: height,
		Data:   make([]byte, width*height*Channels),
	}
}

// Validate checks dimensions and data length.
func (b RawPixelBuffer) Validate() error {
	if err := ValidateDimensions(b.Width, b.Height); err != nil {
		return err
	}
	if want := b.Width * b.Height * Channels; len(b.Data) != want {
		return fmt.Errorf("pixel data length %d does not match %dx%dx%d", len(b.Data), b.Width, b.Height, Channels)
	}
	return nil
}

// Clone returns a deep copy.
func (b RawPixelBuffer) Clone() RawPixelBuffer {
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return RawPixelBuffer{Width: b.Width, Height: b.Height, Data: data}
}

// ToMat decodes the buffer into a 3-channel BGR Mat owned by a.
func (b RawPixelBuffer) ToMat(a *Arena) (gocv.Mat, error) {
	if err := b.Validate(); err != nil {
		return gocv.Mat{}, err
	}

	rgba, err := MatFromBytes(a, b.Height, b.Width, gocv.MatTypeCV8UC4, b.Data)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer a.Release(rgba)

	bgr := a.NewMat()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)
	if bgr.Empty() {
		a.Release(bgr)
		return gocv.Mat{}, fmt.Errorf("color conversion produced an empty image")
	}
	return bgr, nil
}

// FromMat encodes a gray, BGR or BGRA Mat into the canonical RGBA buffer.
func FromMat(a *Arena, m gocv.Mat) (RawPixelBuffer, error) {
	if err := ValidateMat(m); err != nil {
		return RawPixelBuffer{}, err
	}

	var code gocv.ColorConversionCode
	switch m.Channels() {
	case 1:
		code = gocv.ColorGrayToBGRA
	case 3:
		code = gocv.ColorBGRToRGBA
	case 4:
		code = gocv.ColorBGRAToRGBA
	default:
		return RawPixelBuffer{}, fmt.Errorf("unsupported channel count: %d", m.Channels())
	}

	rgba := a.NewMat()
	defer a.Release(rgba)
	gocv.CvtColor(m, &rgba, code)

	if rgba.Type() != gocv.MatTypeCV8UC4 {
		converted := a.NewMat()
		defer a.Release(converted)
		rgba.ConvertTo(&converted, gocv.MatTypeCV8UC4)
		rgba = converted
	}

	buf := RawPixelBuffer{Width: m.Cols(), Height: m.Rows(), Data: rgba.ToBytes()}
	if err := buf.Validate(); err != nil {
		return RawPixelBuffer{}, fmt.Errorf("encode frame: %w", err)
	}
	return buf, nil
}

// MatFromBytes builds a Mat owned by a from Go memory. The pixels are copied so
// the returned Mat never aliases data.
func MatFromBytes(a *Arena, rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(rows, cols, mt, data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("wrap pixel data: %w", err)
	}
	a.Track(view)
	defer a.Release(view)
	return a.Clone(view), nil
}
