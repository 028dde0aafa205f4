package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateWeights(t *testing.T) {
	branches := [][]Marker{
		line(0, 0, 0, 1, 0, 0, 10),        // 9µm, dense
		{{X: 0}, {X: 10}},                 // 10µm, one marker per 10µm
		{{X: 0}},                          // single marker
		{{X: 1, Y: 1}, {X: 1, Y: 1}},      // zero length
		line(0, 0, 0, 0.5, 0, 0, 5),       // 2µm, two markers per micron
	}
	w := CalculateWeights(branches, 0.5)
	require.Len(t, w, len(branches))
	assert.InDelta(t, 0.5*9, w[0], 1e-9)
	assert.InDelta(t, 0.5*10*0.1, w[1], 1e-9)
	assert.Zero(t, w[2])
	assert.Zero(t, w[3])
	assert.InDelta(t, 0.5*2, w[4], 1e-9, "density is capped at one marker per micron")
}

// ---------------------------------------------------------------------------
// global alignment
// ---------------------------------------------------------------------------

func identity(i, j int) float64 {
	if i == j {
		return 1
	}
	return 0
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestAlignSegments_Identical(t *testing.T) {
	zero := func(i, j int) float64 { return 0 }
	al := AlignSegments(3, 3, ones(3), ones(3), DefaultGapCost, identity, zero)

	assert.Equal(t, [][2]int{{0, 0}, {1, 1}, {2, 2}}, al.Pairs)
	assert.InDelta(t, 3, al.Score, 1e-9)
}

func TestAlignSegments_Gap(t *testing.T) {
	sim := func(i, j int) float64 {
		if j == i+1 {
			return 1
		}
		return 0
	}
	zero := func(i, j int) float64 { return 0 }
	al := AlignSegments(2, 3, ones(2), ones(3), 0.5, sim, zero)

	assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, al.Pairs)
	assert.InDelta(t, 1.5, al.Score, 1e-9)
}

func TestAlignSegments_TieBrokenByDeviation(t *testing.T) {
	all := func(i, j int) float64 { return 1 }
	dev := func(i, j int) float64 {
		if j == 0 {
			return 2
		}
		return 1
	}
	al := AlignSegments(1, 2, ones(1), ones(2), 0.5, all, dev)

	assert.Equal(t, [][2]int{{0, 1}}, al.Pairs)
	assert.InDelta(t, 0.5, al.Score, 1e-9)
	assert.InDelta(t, 1, al.Deviation, 1e-9)
}

func TestAlignSegments_Empty(t *testing.T) {
	zero := func(i, j int) float64 { return 0 }
	al := AlignSegments(0, 2, nil, []float64{1, 2}, 0.5, zero, zero)

	assert.Empty(t, al.Pairs)
	assert.InDelta(t, -1.5, al.Score, 1e-9)
}

// ---------------------------------------------------------------------------
// local alignment
// ---------------------------------------------------------------------------

func TestLocalAlignMarkers_Identical(t *testing.T) {
	a := line(0, 0, 0, 1, 0, 0, 10)
	la := LocalAlignMarkers(a, a, DefaultAlignmentDistanceThreshold, DefaultGapCost)

	require.False(t, la.Empty())
	assert.InDelta(t, 10, la.Score, 1e-9)
	assert.Equal(t, Range{Start: 0, End: 9}, la.A)
	assert.Equal(t, Range{Start: 0, End: 9}, la.B)
	require.Len(t, la.Pairs, 10)
	for k, p := range la.Pairs {
		assert.Equal(t, [2]int{k, k}, p)
		assert.InDelta(t, 1, la.PairScores[k], 1e-9)
	}
}

func TestLocalAlignMarkers_PartialOverlap(t *testing.T) {
	a := line(0, 0, 0, 1, 0, 0, 10)
	b := line(5, 0, 0, 1, 0, 0, 10)
	la := LocalAlignMarkers(a, b, DefaultAlignmentDistanceThreshold, DefaultGapCost)

	require.False(t, la.Empty())
	assert.InDelta(t, 5, la.Score, 1e-9)
	assert.Equal(t, Range{Start: 5, End: 9}, la.A)
	assert.Equal(t, Range{Start: 0, End: 4}, la.B)
}

func TestLocalAlignMarkers_Offset(t *testing.T) {
	a := line(0, 0, 0, 1, 0, 0, 10)
	b := line(0, 1, 0, 1, 0, 0, 10) // parallel, 1µm away
	la := LocalAlignMarkers(a, b, 4, 0.5)

	require.Len(t, la.Pairs, 10)
	assert.InDelta(t, 10*0.75, la.Score, 1e-9)
}

func TestLocalAlignMarkers_PairsMonotonic(t *testing.T) {
	a := line(0, 0, 0, 1, 0, 0, 20)
	b := line(0, 0, 0, 0.5, 0, 0, 40)
	la := LocalAlignMarkers(a, b, 4, 0.5)

	require.False(t, la.Empty())
	for k := 1; k < len(la.Pairs); k++ {
		assert.Greater(t, la.Pairs[k][0], la.Pairs[k-1][0], "a indices must increase")
		assert.Greater(t, la.Pairs[k][1], la.Pairs[k-1][1], "b indices must increase")
	}
}

func TestLocalAlignMarkers_NoOverlap(t *testing.T) {
	a := line(0, 0, 0, 1, 0, 0, 10)
	b := line(0, 50, 0, 1, 0, 0, 10)

	assert.True(t, LocalAlignMarkers(a, b, 4, 0.5).Empty())
	assert.True(t, LocalAlignMarkers(nil, b, 4, 0.5).Empty())
}

func TestLocalAlignMarkers_ReversedDirection(t *testing.T) {
	a := line(0, 0, 0, 1, 0, 0, 10)
	b := line(9, 0, 0, -1, 0, 0, 10)
	la := LocalAlignMarkers(a, b, 4, 0.5)

	// Opposite walking directions can only pair a short stretch near the
	// crossing point.
	assert.Less(t, la.Score, 3.0)
}
