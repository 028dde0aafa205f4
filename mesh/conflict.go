package mesh

import (
	"sort"
)

// SmallOverlap describes how a lower-ranked match is cut back so it no
// longer overlaps a kept match on one side.
type SmallOverlap struct {
	// Side is where the two matches share a branch.
	Side Side
	// KeptFirst is true when the kept match lies before the retained part of
	// the other match along the shared branch.
	KeptFirst bool
	// Cut is the marker index on Side bounding the retained part: it is the
	// first retained index when KeptFirst, otherwise one past the last.
	Cut int
	// ScoreAdjustment is subtracted from the truncated match.
	ScoreAdjustment float64
}

// ConflictIndex maps branches to the matches that claim them and matches to
// the matches they overlap with. Values are indices into the slice passed to
// FindConflicts.
type ConflictIndex struct {
	Reconstruction map[BranchID][]int
	Composite      map[CompositeID][]int
	Conflicts      map[int][]int
}

// FindConflicts indexes matches by branch on both sides and records every
// pair of matches whose ranges overlap on a shared branch.
func FindConflicts(matches []*Match) ConflictIndex {
	idx := ConflictIndex{
		Reconstruction: make(map[BranchID][]int),
		Composite:      make(map[CompositeID][]int),
		Conflicts:      make(map[int][]int),
	}
	for i, m := range matches {
		idx.Reconstruction[m.Recon] = append(idx.Reconstruction[m.Recon], i)
		idx.Composite[m.Comp] = append(idx.Composite[m.Comp], i)
	}

	seen := make(map[[2]int]struct{})
	mark := func(group []int, side Side) {
		for a := 0; a < len(group); a++ {
			for b := a + 1; b < len(group); b++ {
				i, j := group[a], group[b]
				if !matches[i].Range(side).Overlaps(matches[j].Range(side)) {
					continue
				}
				key := [2]int{min(i, j), max(i, j)}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				idx.Conflicts[i] = append(idx.Conflicts[i], j)
				idx.Conflicts[j] = append(idx.Conflicts[j], i)
			}
		}
	}
	for _, group := range idx.Reconstruction {
		mark(group, SideReconstruction)
	}
	for _, group := range idx.Composite {
		mark(group, SideComposite)
	}
	for k := range idx.Conflicts {
		sort.Ints(idx.Conflicts[k])
	}
	return idx
}

// overlapSide returns the side on which kept and other overlap. Composite
// overlaps are checked second so reconstruction conflicts are cut first.
func overlapSide(kept, other *Match) (Side, bool) {
	if kept.Recon == other.Recon && kept.ReconRange.Overlaps(other.ReconRange) {
		return SideReconstruction, true
	}
	if kept.Comp == other.Comp && kept.CompRange.Overlaps(other.CompRange) {
		return SideComposite, true
	}
	return SideReconstruction, false
}

// ResolveSmallOverlap decides how other is cut back around kept on side.
// Other keeps whichever of its parts before or after kept's range carries
// more pair score; on a tie the earlier part is kept.
func ResolveSmallOverlap(kept, other *Match, side Side) SmallOverlap {
	kr := kept.Range(side)
	var before, after, total float64
	for k, p := range other.Pairs {
		s := other.PairScores[k]
		total += s
		switch idx := p[side]; {
		case idx < kr.Start:
			before += s
		case idx > kr.End:
			after += s
		}
	}

	so := SmallOverlap{Side: side}
	retained := before
	if after > before+scoreEpsilon {
		so.KeptFirst = true
		so.Cut = kr.End + 1
		retained = after
	} else {
		so.Cut = kr.Start
	}
	so.ScoreAdjustment = max(0, total-retained)
	return so
}

// apply truncates m according to so. It reports whether any pair is left.
func (so SmallOverlap) apply(m *Match) bool {
	var pairs [][2]int
	var scores []float64
	for k, p := range m.Pairs {
		idx := p[so.Side]
		if (so.KeptFirst && idx >= so.Cut) || (!so.KeptFirst && idx < so.Cut) {
			pairs = append(pairs, p)
			scores = append(scores, m.PairScores[k])
		}
	}
	m.Pairs = pairs
	m.PairScores = scores
	m.Score -= so.ScoreAdjustment
	m.refreshRanges()
	return len(pairs) > 0
}

// ResolveConflicts makes the matches pairwise non-overlapping on both sides.
// Matches are ranked by score; each keeps its range against every lower
// ranked match, which is truncated and penalised by the discarded pair
// scores. Matches left empty or below threshold (or their own lower
// MinScore) are dropped. The input
// matches are modified in place.
func ResolveConflicts(matches []*Match, threshold float64) (kept, dropped []*Match) {
	ranked := append([]*Match(nil), matches...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Recon != b.Recon {
			return a.Recon < b.Recon
		}
		if a.Comp != b.Comp {
			return a.Comp < b.Comp
		}
		return a.ReconRange.Start < b.ReconRange.Start
	})

	for _, m := range ranked {
		alive := true
		for alive {
			var conflict *Match
			var side Side
			for _, k := range kept {
				if s, ok := overlapSide(k, m); ok {
					conflict, side = k, s
					break
				}
			}
			if conflict == nil {
				break
			}
			so := ResolveSmallOverlap(conflict, m, side)
			alive = so.apply(m) && m.Score >= m.floor(threshold)
		}
		if alive {
			kept = append(kept, m)
		} else {
			dropped = append(dropped, m)
		}
	}
	return kept, dropped
}
