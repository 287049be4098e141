package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinPoints is the smallest number of point pairs any supported
// transform family can be fit from.
const MinPoints = 3

var (
	// ErrNotEnoughPoints is returned when fewer than MinPoints pairs
	// are supplied.
	ErrNotEnoughPoints = errors.New("not enough control point pairs")

	// ErrDegenerate is returned when the point configuration does not
	// constrain the transform (e.g. all points collinear).
	ErrDegenerate = errors.New("degenerate control point configuration")
)

// Estimate fits a transform of the given type mapping src onto dst by
// least squares.
func Estimate(t Type, src, dst []Point) (Matrix, error) {
	if len(src) != len(dst) {
		return Matrix{}, fmt.Errorf("point count mismatch: %d source vs %d target", len(src), len(dst))
	}
	if len(src) < MinPoints {
		return Matrix{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPoints, len(src), MinPoints)
	}
	switch t {
	case Affine:
		return estimateAffine(src, dst)
	case Similarity:
		return estimateUmeyama(src, dst, true)
	case Euclidean:
		return estimateUmeyama(src, dst, false)
	}
	return Matrix{}, fmt.Errorf("unsupported transform type: %q", t)
}

// estimateAffine solves the 6 free affine parameters with a dense
// least-squares solve over the stacked x and y equations.
func estimateAffine(src, dst []Point) (Matrix, error) {
	n := len(src)
	a := mat.NewDense(2*n, 6, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, p := range src {
		a.SetRow(2*i, []float64{p.X, p.Y, 1, 0, 0, 0})
		a.SetRow(2*i+1, []float64{0, 0, 0, p.X, p.Y, 1})
		b.SetVec(2*i, dst[i].X)
		b.SetVec(2*i+1, dst[i].Y)
	}
	var params mat.VecDense
	if err := params.SolveVec(a, b); err != nil {
		return Matrix{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	m := Matrix{
		params.AtVec(0), params.AtVec(1), params.AtVec(2),
		params.AtVec(3), params.AtVec(4), params.AtVec(5),
		0, 0, 1,
	}
	return m, nil
}

// estimateUmeyama fits a rigid (optionally uniformly scaled) transform
// using the closed-form solution of Umeyama (1991). Reflections are
// rejected by the sign-corrected SVD, so det > 0 always holds.
func estimateUmeyama(src, dst []Point, withScale bool) (Matrix, error) {
	n := float64(len(src))

	var muS, muD Point
	for i := range src {
		muS.X += src[i].X
		muS.Y += src[i].Y
		muD.X += dst[i].X
		muD.Y += dst[i].Y
	}
	muS.X /= n
	muS.Y /= n
	muD.X /= n
	muD.Y /= n

	// Covariance of the centered point sets and source variance.
	var sxx, sxy, syx, syy, varS float64
	for i := range src {
		dsx := src[i].X - muS.X
		dsy := src[i].Y - muS.Y
		ddx := dst[i].X - muD.X
		ddy := dst[i].Y - muD.Y
		sxx += ddx * dsx
		sxy += ddx * dsy
		syx += ddy * dsx
		syy += ddy * dsy
		varS += dsx*dsx + dsy*dsy
	}
	sxx /= n
	sxy /= n
	syx /= n
	syy /= n
	varS /= n

	if varS == 0 {
		return Matrix{}, fmt.Errorf("%w: source points coincide", ErrDegenerate)
	}

	cov := mat.NewDense(2, 2, []float64{sxx, sxy, syx, syy})
	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return Matrix{}, fmt.Errorf("%w: SVD failed", ErrDegenerate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)

	// Sign correction keeps the fit a proper rotation.
	d := 1.0
	var uv mat.Dense
	uv.Mul(&u, v.T())
	if mat.Det(&uv) < 0 {
		d = -1.0
	}

	s := mat.NewDense(2, 2, []float64{1, 0, 0, d})
	var r mat.Dense
	r.Mul(&u, s)
	r.Mul(&r, v.T())

	scale := 1.0
	if withScale {
		scale = (vals[0] + d*vals[1]) / varS
	}

	r00 := scale * r.At(0, 0)
	r01 := scale * r.At(0, 1)
	r10 := scale * r.At(1, 0)
	r11 := scale * r.At(1, 1)
	tx := muD.X - r00*muS.X - r01*muS.Y
	ty := muD.Y - r10*muS.X - r11*muS.Y

	return Matrix{r00, r01, tx, r10, r11, ty, 0, 0, 1}, nil
}

// Residuals returns the per-point Euclidean distance between m(src[i])
// and dst[i].
func Residuals(m Matrix, src, dst []Point) []float64 {
	res := make([]float64, len(src))
	for i := range src {
		p := m.Apply(src[i])
		res[i] = math.Hypot(p.X-dst[i].X, p.Y-dst[i].Y)
	}
	return res
}

// RMSE aggregates residuals into a root-mean-square error.
func RMSE(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	var sum float64
	for _, r := range residuals {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(residuals)))
}
