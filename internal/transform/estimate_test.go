package transform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var samplePoints = []Point{
	{X: 10, Y: 10},
	{X: 250, Y: 30},
	{X: 40, Y: 180},
	{X: 300, Y: 260},
	{X: 120, Y: 90},
}

func mapAll(m Matrix, pts []Point) []Point {
	return m.ApplyAll(pts)
}

func assertMatrixNear(t *testing.T, want, got Matrix, tol float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "matrix element %d", i)
	}
}

func TestEstimateAffineRecoversKnownTransform(t *testing.T) {
	want := Matrix{1.2, -0.3, 42, 0.25, 0.8, -17, 0, 0, 1}
	dst := mapAll(want, samplePoints)

	got, err := Estimate(Affine, samplePoints, dst)
	require.NoError(t, err)
	assertMatrixNear(t, want, got, 1e-9)
}

func TestEstimateSimilarityRecoversRotationScaleTranslation(t *testing.T) {
	want := rigid(math.Pi/5, 1.6, -30, 55)
	dst := mapAll(want, samplePoints)

	got, err := Estimate(Similarity, samplePoints, dst)
	require.NoError(t, err)
	assertMatrixNear(t, want, got, 1e-9)

	sx, sy := got.Scale()
	assert.InDelta(t, 1.6, sx, 1e-9)
	assert.InDelta(t, 1.6, sy, 1e-9)
}

func TestEstimateEuclideanKeepsUnitScale(t *testing.T) {
	want := rigid(-math.Pi/7, 1.0, 12, -9)
	dst := mapAll(want, samplePoints)

	got, err := Estimate(Euclidean, samplePoints, dst)
	require.NoError(t, err)
	assertMatrixNear(t, want, got, 1e-9)

	sx, _ := got.Scale()
	assert.InDelta(t, 1.0, sx, 1e-9)
}

func TestEstimateEuclideanIgnoresScaleInData(t *testing.T) {
	// Data generated with scale 2; a euclidean fit must stay rigid.
	scaled := rigid(0.2, 2.0, 0, 0)
	dst := mapAll(scaled, samplePoints)

	got, err := Estimate(Euclidean, samplePoints, dst)
	require.NoError(t, err)
	sx, sy := got.Scale()
	assert.InDelta(t, 1.0, sx, 1e-9)
	assert.InDelta(t, 1.0, sy, 1e-9)
}

func TestEstimateNeverProducesReflection(t *testing.T) {
	// Target points mirrored around the y axis.
	var dst []Point
	for _, p := range samplePoints {
		dst = append(dst, Point{X: -p.X, Y: p.Y})
	}
	for _, typ := range []Type{Euclidean, Similarity} {
		got, err := Estimate(typ, samplePoints, dst)
		require.NoError(t, err)
		assert.Greater(t, got.Det(), 0.0, "type %s", typ)
	}
}

func TestEstimateRejectsTooFewPoints(t *testing.T) {
	src := samplePoints[:2]
	dst := samplePoints[:2]
	for _, typ := range []Type{Euclidean, Similarity, Affine} {
		_, err := Estimate(typ, src, dst)
		assert.ErrorIs(t, err, ErrNotEnoughPoints, "type %s", typ)
	}
}

func TestEstimateRejectsCountMismatch(t *testing.T) {
	_, err := Estimate(Affine, samplePoints, samplePoints[:3])
	assert.Error(t, err)
}

func TestEstimateRejectsCoincidentPoints(t *testing.T) {
	src := []Point{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 5}}
	_, err := Estimate(Similarity, src, src)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestResidualsAndRMSE(t *testing.T) {
	m := Identity()
	src := []Point{{X: 0, Y: 0}, {X: 10, Y: 0}}
	dst := []Point{{X: 3, Y: 4}, {X: 10, Y: 0}}

	res := Residuals(m, src, dst)
	require.Len(t, res, 2)
	assert.InDelta(t, 5, res[0], 1e-12)
	assert.InDelta(t, 0, res[1], 1e-12)
	assert.InDelta(t, math.Sqrt(12.5), RMSE(res), 1e-12)

	assert.Equal(t, 0.0, RMSE(nil))
}

func TestNoisyFitResidualsAreSmall(t *testing.T) {
	want := rigid(0.05, 1.02, 4, -2)
	dst := mapAll(want, samplePoints)
	// Perturb one observation slightly.
	dst[2].X += 0.5
	dst[2].Y -= 0.5

	got, err := Estimate(Similarity, samplePoints, dst)
	require.NoError(t, err)
	rmse := RMSE(Residuals(got, samplePoints, dst))
	assert.Less(t, rmse, 1.0)
	assert.Greater(t, rmse, 0.0)
}
