// Stage contract shared by every per-frame transform
package stages

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"loopcam/internal/vision"
)

// ErrDegenerate matches every DegenerateError.
var ErrDegenerate = errors.New("degenerate input")

// DegenerateError reports a recoverable condition (too few matches, singular
// transform). The worker keeps the stage input unchanged and continues.
type DegenerateError struct {
	Stage  string
	Reason string
}

func (e *DegenerateError) Error() string {
	return fmt.Sprintf("%s skipped: %s", e.Stage, e.Reason)
}

func (e *DegenerateError) Is(target error) bool {
	return target == ErrDegenerate
}

func degenerate(stage, format string, args ...interface{}) (gocv.Mat, error) {
	return gocv.Mat{}, &DegenerateError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Frame is the input to one stage. Image and Previous are 8-bit BGR. Every Mat a
// stage allocates must come from Arena; the worker releases the arena when the
// frame is finished.
type Frame struct {
	Image       gocv.Mat
	Previous    gocv.Mat
	HasPrevious bool
	Index       int
	Total       int
	Arena       *vision.Arena
}

// Func transforms f.Image into a new Mat. Returning f.Image itself means the
// stage left the frame untouched.
type Func func(f *Frame) (gocv.Mat, error)

// Stage is a named, independently toggleable transform. Temporal stages need
// the previous processed frame and are skipped for the first frame of a burst.
type Stage struct {
	Name     string
	Temporal bool
	Apply    Func
}

// floatMat builds an arena-owned float32 Mat from row-major values.
func floatMat(a *vision.Arena, rows, cols int, mt gocv.MatType, vals []float32) (gocv.Mat, error) {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.NativeEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return vision.MatFromBytes(a, rows, cols, mt, data)
}

func size(m gocv.Mat) (cols, rows int) {
	return m.Cols(), m.Rows()
}
