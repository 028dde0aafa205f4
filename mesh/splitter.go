package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// splitPieces describes a branch after it has been cut: piece k starts at
// marker Starts[k] of the original and now lives under handle IDs[k].
type splitPieces struct {
	Starts []int
	IDs    []int
}

// locate returns the piece holding original marker idx.
func (sp splitPieces) locate(idx int) (id, offset int) {
	k := sort.Search(len(sp.Starts), func(i int) bool { return sp.Starts[i] > idx }) - 1
	if k < 0 {
		k = 0
	}
	return sp.IDs[k], sp.Starts[k]
}

// SplitBranchMatches rebases the matches that reference branch on side onto
// the pieces produced by splitting it. Every match must lie entirely inside
// one piece.
func SplitBranchMatches(matches []*Match, side Side, branch int, pieces splitPieces) error {
	for _, m := range matches {
		if m.Branch(side) != branch || len(m.Pairs) == 0 {
			continue
		}
		r := m.Range(side)
		id, offset := pieces.locate(r.Start)
		if endID, _ := pieces.locate(r.End); endID != id {
			return fmt.Errorf("match %s crosses a split of %s branch %d", m, side, branch)
		}
		for k := range m.Pairs {
			m.Pairs[k][side] -= offset
		}
		if side == SideComposite {
			m.Comp = CompositeID(id)
		} else {
			m.Recon = BranchID(id)
		}
		m.refreshRanges()
	}
	return nil
}

// cutPoints returns, descending, the indices at which a branch of n markers
// must be cut so that every range starts and ends a piece.
func cutPoints(ranges []Range, n int) []int {
	set := make(map[int]struct{})
	for _, r := range ranges {
		if r.Len() == 0 {
			continue
		}
		if r.Start > 0 {
			set[r.Start] = struct{}{}
		}
		if r.End+1 < n {
			set[r.End+1] = struct{}{}
		}
	}
	cuts := make([]int, 0, len(set))
	for c := range set {
		cuts = append(cuts, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(cuts)))
	return cuts
}

// piecesFromCuts assembles the piece table for a branch cut at descending
// positions cuts into handles tails (tails[k] is the piece created by
// cuts[k]).
func piecesFromCuts(id int, cuts []int, tails []int) splitPieces {
	sp := splitPieces{Starts: []int{0}, IDs: []int{id}}
	for k := len(cuts) - 1; k >= 0; k-- {
		sp.Starts = append(sp.Starts, cuts[k])
		sp.IDs = append(sp.IDs, tails[k])
	}
	return sp
}

// AverageAndSplitAlignments cuts both sides of every match so each match
// covers whole branches, then moves every aligned composite marker to the
// weighted mean of itself and its reconstruction marker. The composite
// marker weighs its branch numerator, the reconstruction marker the
// reconstruction confidence. Split branches are re-binned; averaged
// composite branches are re-binned too. It returns the number of splits.
func AverageAndSplitAlignments(r *Reconstruction, c *Composite, bins *Binning, matches []*Match) (int, error) {
	splits := 0

	byRecon := make(map[BranchID][]Range)
	byComp := make(map[CompositeID][]Range)
	for _, m := range matches {
		if len(m.Pairs) == 0 {
			continue
		}
		byRecon[m.Recon] = append(byRecon[m.Recon], m.ReconRange)
		byComp[m.Comp] = append(byComp[m.Comp], m.CompRange)
	}

	reconOwner := ReconstructionOwner(r.ID)
	for _, id := range sortedKeys(byRecon) {
		cuts := cutPoints(byRecon[id], len(r.Branch(id).Markers))
		if len(cuts) == 0 {
			continue
		}
		tails := make([]int, len(cuts))
		for k, cut := range cuts {
			tid, err := r.SplitBranch(id, cut)
			if err != nil {
				return splits, err
			}
			tails[k] = int(tid)
			bins.BinBranch(reconOwner, int(tid), r.Branch(tid).Markers)
			splits++
		}
		bins.BinBranch(reconOwner, int(id), r.Branch(id).Markers)
		if err := SplitBranchMatches(matches, SideReconstruction, int(id), piecesFromCuts(int(id), cuts, tails)); err != nil {
			return splits, err
		}
	}

	for _, id := range sortedKeys(byComp) {
		cuts := cutPoints(byComp[id], len(c.Branch(id).Markers))
		if len(cuts) == 0 {
			continue
		}
		tails := make([]int, len(cuts))
		for k, cut := range cuts {
			tid, err := c.SplitBranch(id, cut)
			if err != nil {
				return splits, err
			}
			tails[k] = int(tid)
			splits++
		}
		if err := SplitBranchMatches(matches, SideComposite, int(id), piecesFromCuts(int(id), cuts, tails)); err != nil {
			return splits, err
		}
		bins.BinBranch(CompositeOwner, int(id), c.Branch(id).Markers)
		for _, t := range tails {
			bins.BinBranch(CompositeOwner, t, c.Branch(CompositeID(t)).Markers)
		}
	}

	for _, m := range matches {
		if len(m.Pairs) == 0 {
			continue
		}
		cb := c.Branch(m.Comp)
		rb := r.Branch(m.Recon)
		averageMarkers(cb.Markers, rb.Markers, m.Pairs, compositeAverageWeight(cb), r.Confidence)
		bins.BinBranch(CompositeOwner, int(cb.ID), cb.Markers)
	}
	return splits, nil
}

func compositeAverageWeight(b *CompositeBranchContainer) float64 {
	if b.Numerator <= 0 {
		return 1
	}
	return b.Numerator
}

// averageMarkers writes the weighted mean of each aligned pair into comp.
func averageMarkers(comp, recon []Marker, pairs [][2]int, wComp, wRecon float64) {
	weights := []float64{wComp, wRecon}
	xs := make([]float64, 2)
	for _, p := range pairs {
		a, b := &comp[p[1]], recon[p[0]]
		xs[0], xs[1] = a.X, b.X
		a.X = stat.Mean(xs, weights)
		xs[0], xs[1] = a.Y, b.Y
		a.Y = stat.Mean(xs, weights)
		xs[0], xs[1] = a.Z, b.Z
		a.Z = stat.Mean(xs, weights)
		xs[0], xs[1] = a.Radius, b.Radius
		a.Radius = stat.Mean(xs, weights)
	}
}

func sortedKeys[K ~int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
