// Feature-based alignment onto the previous frame
package stages

import (
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

const (
	alignMaxMatches = 50
	alignMinMatches = 4

	// RANSAC parameters for the homography estimate.
	alignReprojThreshold = 3.0
	alignMaxIters        = 2000
	alignConfidence      = 0.995
)

// Align warps the frame onto the previous frame's geometry through a homography
// estimated from ORB matches. Too few matches or a singular homography leave the
// frame untouched.
func Align(f *Frame) (gocv.Mat, error) {
	a := f.Arena

	gray := a.NewMat()
	gocv.CvtColor(f.Image, &gray, gocv.ColorBGRToGray)
	prevGray := a.NewMat()
	gocv.CvtColor(f.Previous, &prevGray, gocv.ColorBGRToGray)

	orb := gocv.NewORB()
	defer orb.Close()

	mask := a.NewMat()
	kp1, des1 := orb.DetectAndCompute(gray, mask)
	a.Track(des1)
	kp2, des2 := orb.DetectAndCompute(prevGray, mask)
	a.Track(des2)

	if des1.Empty() || des2.Empty() {
		return degenerate(NameAlign, "no descriptors (%d, %d keypoints)", len(kp1), len(kp2))
	}

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, true)
	defer bf.Close()

	// k=1 with cross-check keeps only mutual nearest neighbours
	matches := make([]gocv.DMatch, 0, len(kp1))
	for _, m := range bf.KnnMatch(des1, des2, 1) {
		if len(m) > 0 {
			matches = append(matches, m[0])
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > alignMaxMatches {
		matches = matches[:alignMaxMatches]
	}
	if len(matches) < alignMinMatches {
		return degenerate(NameAlign, "%d matches, need %d", len(matches), alignMinMatches)
	}

	srcVals := make([]float32, 0, 2*len(matches))
	dstVals := make([]float32, 0, 2*len(matches))
	for _, m := range matches {
		if m.QueryIdx >= len(kp1) || m.TrainIdx >= len(kp2) {
			continue
		}
		srcVals = append(srcVals, float32(kp1[m.QueryIdx].X), float32(kp1[m.QueryIdx].Y))
		dstVals = append(dstVals, float32(kp2[m.TrainIdx].X), float32(kp2[m.TrainIdx].Y))
	}
	n := len(srcVals) / 2
	if n < alignMinMatches {
		return degenerate(NameAlign, "%d usable matches, need %d", n, alignMinMatches)
	}

	srcPts, err := floatMat(a, n, 1, gocv.MatTypeCV32FC2, srcVals)
	if err != nil {
		return gocv.Mat{}, err
	}
	dstPts, err := floatMat(a, n, 1, gocv.MatTypeCV32FC2, dstVals)
	if err != nil {
		return gocv.Mat{}, err
	}

	inliers := a.NewMat()
	h := a.Track(gocv.FindHomography(srcPts, dstPts, gocv.HomographyMethodRANSAC,
		alignReprojThreshold, &inliers, alignMaxIters, alignConfidence))
	if !usableHomography(h) {
		return degenerate(NameAlign, "singular homography")
	}

	cols, rows := size(f.Image)
	aligned := a.NewMat()
	gocv.WarpPerspective(f.Image, &aligned, h, image.Pt(cols, rows))
	if aligned.Empty() {
		return degenerate(NameAlign, "warp produced an empty image")
	}
	return aligned, nil
}

func usableHomography(h gocv.Mat) bool {
	if h.Empty() || h.Rows() != 3 || h.Cols() != 3 {
		return false
	}

	var m [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := h.GetDoubleAt(r, c)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
			m[r][c] = v
		}
	}

	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	return math.Abs(det) > 1e-6
}
