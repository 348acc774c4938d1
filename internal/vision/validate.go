package vision

import (
	"fmt"

	"gocv.io/x/gocv"
)

// MaxDimension bounds width and height to keep a burst within memory.
const MaxDimension = 16384

// ValidateMat validates a Mat for basic requirements.
func ValidateMat(mat gocv.Mat) error {
	if mat.Empty() {
		return fmt.Errorf("image is empty")
	}

	if err := ValidateDimensions(mat.Cols(), mat.Rows()); err != nil {
		return err
	}

	channels := mat.Channels()
	if channels < 1 || channels > 4 {
		return fmt.Errorf("unsupported channel count: %d", channels)
	}

	return nil
}

// ValidateDimensions checks that a width and height are positive and within MaxDimension.
func ValidateDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", width, height)
	}
	if width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("image too large: %dx%d (max: %d)", width, height, MaxDimension)
	}
	return nil
}

// SameSize reports whether two Mats share width and height.
func SameSize(a, b gocv.Mat) bool {
	return a.Rows() == b.Rows() && a.Cols() == b.Cols()
}
