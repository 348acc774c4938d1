// Optical-flow stabilization against the previous frame
package stages

import (
	"image"

	"gocv.io/x/gocv"
)

const (
	stabilizeMaxCorners  = 200
	stabilizeQuality     = 0.01
	stabilizeMinDistance = 10
	stabilizeMinPairs    = 4
)

// Stabilize tracks corners from the frame into the previous frame with pyramidal
// Lucas-Kanade flow, fits a rotation+translation(+uniform scale) transform to the
// confirmed pairs and warps the frame through it.
func Stabilize(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	gray := a.NewMat()
	gocv.CvtColor(f.Image, &gray, gocv.ColorBGRToGray)
	prevGray := a.NewMat()
	gocv.CvtColor(f.Previous, &prevGray, gocv.ColorBGRToGray)

	if !gray.Empty() && !prevGray.Empty() && (gray.Rows() != prevGray.Rows() || gray.Cols() != prevGray.Cols()) {
		resized := a.NewMat()
		gocv.Resize(prevGray, &resized, image.Pt(gray.Cols(), gray.Rows()), 0, 0, gocv.InterpolationLinear)
		prevGray = resized
	}

	corners := a.NewMat()
	gocv.GoodFeaturesToTrack(gray, &corners, stabilizeMaxCorners, stabilizeQuality, stabilizeMinDistance)
	if corners.Empty() || corners.Rows() < stabilizeMinPairs {
		return degenerate(NameStabilize, "%d corners, need %d", corners.Rows(), stabilizeMinPairs)
	}

	next := a.NewMat()
	status := a.NewMat()
	flowErr := a.NewMat()
	gocv.CalcOpticalFlowPyrLK(gray, prevGray, corners, next, &status, &flowErr)

	from, to, err := trackedPairs(corners, next, status)
	if err != nil {
		return gocv.Mat{}, err
	}
	if len(from) < stabilizeMinPairs {
		return degenerate(NameStabilize, "%d tracked points, need %d", len(from), stabilizeMinPairs)
	}

	fromVec := gocv.NewPoint2fVectorFromPoints(from)
	defer fromVec.Close()
	toVec := gocv.NewPoint2fVectorFromPoints(to)
	defer toVec.Close()

	m := a.Track(gocv.EstimateAffinePartial2D(fromVec, toVec))
	if m.Empty() {
		return degenerate(NameStabilize, "no rigid transform")
	}

	cols, rows := size(f.Image)
	stabilized := a.NewMat()
	gocv.WarpAffine(f.Image, &stabilized, m, image.Pt(cols, rows))
	return stabilized, nil
}

func trackedPairs(corners, next, status gocv.Mat) (from, to []gocv.Point2f, err error) {
	if next.Empty() || status.Empty() {
		return nil, nil, nil
	}

	src, err := corners.DataPtrFloat32()
	if err != nil {
		return nil, nil, err
	}
	dst, err := next.DataPtrFloat32()
	if err != nil {
		return nil, nil, err
	}
	ok, err := status.DataPtrUint8()
	if err != nil {
		return nil, nil, err
	}

	for i := 0; i < len(ok) && 2*i+1 < len(src) && 2*i+1 < len(dst); i++ {
		if ok[i] != 1 {
			continue
		}
		from = append(from, gocv.Point2f{X: src[2*i], Y: src[2*i+1]})
		to = append(to, gocv.Point2f{X: dst[2*i], Y: dst[2*i+1]})
	}
	return from, to, nil
}
