package mesh

import (
	"math"
)

// DefaultGapCost is the penalty per unit weight for leaving a segment (or a
// marker) unpaired during alignment.
const DefaultGapCost = 0.5

// DefaultAlignmentDistanceThreshold is the marker distance in microns at
// which a pairing stops contributing positive score.
const DefaultAlignmentDistanceThreshold = 4.0

// scoreEpsilon absorbs floating point noise when comparing DP cells.
const scoreEpsilon = 1e-9

// Alignment is the result of a global alignment between two ordered segment
// lists. Pairs holds (i, j) index pairs in increasing order.
type Alignment struct {
	Score     float64
	Deviation float64
	Pairs     [][2]int
}

// CalculateWeights returns one alignment weight per branch:
// confidence × length × min(1, markers per micron). Branches with fewer than
// two markers or zero length weigh nothing.
func CalculateWeights(branches [][]Marker, confidence float64) []float64 {
	weights := make([]float64, len(branches))
	for i, markers := range branches {
		if len(markers) < 2 {
			continue
		}
		length := PathLength(markers)
		if length <= 0 || math.IsNaN(length) || math.IsInf(length, 0) {
			continue
		}
		density := float64(len(markers)-1) / length
		weights[i] = confidence * length * math.Min(1, density)
	}
	return weights
}

type dpMove uint8

const (
	moveNone dpMove = iota
	moveDiag
	moveUp   // consume a[i], gap in b
	moveLeft // consume b[j], gap in a
)

// AlignSegments computes a global alignment of two ordered segment lists of
// length n and m. Pairing i with j scores sim(i,j)·(wa[i]+wb[j])/2; leaving
// a segment unpaired costs gapCost times its weight. Among equal scores the
// path with the smaller summed dev(i,j) wins, then the diagonal move.
func AlignSegments(n, m int, wa, wb []float64, gapCost float64, sim, dev func(i, j int) float64) Alignment {
	score := make([][]float64, n+1)
	devs := make([][]float64, n+1)
	moves := make([][]dpMove, n+1)
	for i := range score {
		score[i] = make([]float64, m+1)
		devs[i] = make([]float64, m+1)
		moves[i] = make([]dpMove, m+1)
	}
	for i := 1; i <= n; i++ {
		score[i][0] = score[i-1][0] - gapCost*wa[i-1]
		moves[i][0] = moveUp
	}
	for j := 1; j <= m; j++ {
		score[0][j] = score[0][j-1] - gapCost*wb[j-1]
		moves[0][j] = moveLeft
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			bestScore := score[i-1][j-1] + sim(i-1, j-1)*(wa[i-1]+wb[j-1])/2
			bestDev := devs[i-1][j-1] + dev(i-1, j-1)
			best := moveDiag

			try := func(s, d float64, mv dpMove) {
				if s > bestScore+scoreEpsilon ||
					(math.Abs(s-bestScore) <= scoreEpsilon && d < bestDev-scoreEpsilon) {
					bestScore, bestDev, best = s, d, mv
				}
			}
			try(score[i-1][j]-gapCost*wa[i-1], devs[i-1][j], moveUp)
			try(score[i][j-1]-gapCost*wb[j-1], devs[i][j-1], moveLeft)

			score[i][j], devs[i][j], moves[i][j] = bestScore, bestDev, best
		}
	}

	var pairs [][2]int
	for i, j := n, m; i > 0 || j > 0; {
		switch moves[i][j] {
		case moveDiag:
			pairs = append(pairs, [2]int{i - 1, j - 1})
			i--
			j--
		case moveUp:
			i--
		default:
			j--
		}
	}
	reversePairs(pairs)

	return Alignment{Score: score[n][m], Deviation: devs[n][m], Pairs: pairs}
}

// LocalAlignment is the best-scoring local correspondence between two marker
// sequences.
type LocalAlignment struct {
	Score float64
	A     Range
	B     Range
	// Pairs are aligned (a, b) marker indices; PairScores the contribution
	// of each pair before gap penalties.
	Pairs      [][2]int
	PairScores []float64
}

// Empty reports whether no markers were aligned.
func (la LocalAlignment) Empty() bool {
	return len(la.Pairs) == 0
}

// pairScore maps a marker distance to 1 at zero and 0 at threshold.
func pairScore(d, threshold float64) float64 {
	if math.IsNaN(d) {
		return -1
	}
	return 1 - d/threshold
}

// LocalAlignMarkers runs a Smith-Waterman alignment between marker
// sequences a and b. Each paired marker scores 1 - d/threshold and each
// unpaired marker inside the aligned region costs gapCost.
func LocalAlignMarkers(a, b []Marker, threshold, gapCost float64) LocalAlignment {
	if threshold <= 0 {
		threshold = DefaultAlignmentDistanceThreshold
	}
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return LocalAlignment{}
	}

	h := make([][]float64, n+1)
	moves := make([][]dpMove, n+1)
	for i := range h {
		h[i] = make([]float64, m+1)
		moves[i] = make([]dpMove, m+1)
	}

	bestScore, bestI, bestJ := 0.0, 0, 0
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			s := h[i-1][j-1] + pairScore(Distance(a[i-1], b[j-1]), threshold)
			mv := moveDiag
			if up := h[i-1][j] - gapCost; up > s+scoreEpsilon {
				s, mv = up, moveUp
			}
			if left := h[i][j-1] - gapCost; left > s+scoreEpsilon {
				s, mv = left, moveLeft
			}
			if s <= 0 {
				s, mv = 0, moveNone
			}
			h[i][j], moves[i][j] = s, mv
			if s > bestScore+scoreEpsilon {
				bestScore, bestI, bestJ = s, i, j
			}
		}
	}
	if bestScore <= 0 {
		return LocalAlignment{}
	}

	var pairs [][2]int
	for i, j := bestI, bestJ; i > 0 && j > 0 && moves[i][j] != moveNone; {
		switch moves[i][j] {
		case moveDiag:
			pairs = append(pairs, [2]int{i - 1, j - 1})
			i--
			j--
		case moveUp:
			i--
		case moveLeft:
			j--
		}
	}
	reversePairs(pairs)
	if len(pairs) == 0 {
		return LocalAlignment{}
	}

	scores := make([]float64, len(pairs))
	for k, p := range pairs {
		scores[k] = pairScore(Distance(a[p[0]], b[p[1]]), threshold)
	}
	return LocalAlignment{
		Score:      bestScore,
		A:          Range{Start: pairs[0][0], End: pairs[len(pairs)-1][0]},
		B:          Range{Start: pairs[0][1], End: pairs[len(pairs)-1][1]},
		Pairs:      pairs,
		PairScores: scores,
	}
}

func reversePairs(p [][2]int) {
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
}
