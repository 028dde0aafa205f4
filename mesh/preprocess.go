package mesh

import (
	"sort"
)

// DefaultEndpointDistanceThreshold is how close, in microns, a branch end
// must come to the interior of another branch for that branch to be split.
const DefaultEndpointDistanceThreshold = 2.0

// DefaultCurveDistanceThreshold is how far, in microns, a marker may stray
// from the chord of its piece before the branch is split.
const DefaultCurveDistanceThreshold = 5.0

// adjacent reports whether a and b are the same branch, parent and child,
// or siblings.
func (r *Reconstruction) adjacent(a, b BranchID) bool {
	ba, bb := r.branches[a], r.branches[b]
	switch {
	case a == b, ba.Parent == b, bb.Parent == a:
		return true
	case ba.Parent != NoBranch && ba.Parent == bb.Parent:
		return true
	}
	return false
}

// SplitProximalBranches splits a branch at its interior marker nearest to
// the end of another, non-adjacent branch when that end lies within
// threshold. Both ends of every branch are considered. It returns the
// number of splits.
func SplitProximalBranches(r *Reconstruction, threshold float64) int {
	if threshold <= 0 {
		return 0
	}
	cuts := make(map[BranchID]map[int]struct{})
	for _, b := range r.branches {
		if len(b.Markers) == 0 {
			continue
		}
		ends := []Marker{b.Markers[0], b.Markers[len(b.Markers)-1]}
		for _, o := range r.branches {
			if r.adjacent(b.ID, o.ID) || len(o.Markers) < 3 {
				continue
			}
			for _, end := range ends {
				best, bestDist := -1, threshold
				for k := 1; k < len(o.Markers)-1; k++ {
					if d := Distance(end, o.Markers[k]); d <= bestDist && (best == -1 || d < bestDist) {
						best, bestDist = k, d
					}
				}
				if best > 0 {
					if cuts[o.ID] == nil {
						cuts[o.ID] = make(map[int]struct{})
					}
					cuts[o.ID][best] = struct{}{}
				}
			}
		}
	}
	return applyCuts(r, cuts)
}

// SplitCurvedBranches walks each branch and cuts it one marker before the
// point where some marker of the current piece deviates more than threshold
// from the chord between the piece start and the candidate end. It returns
// the number of splits.
func SplitCurvedBranches(r *Reconstruction, threshold float64) int {
	if threshold <= 0 {
		return 0
	}
	cuts := make(map[BranchID]map[int]struct{})
	for _, b := range r.branches {
		ms := b.Markers
		start := 0
		for end := 2; end < len(ms); end++ {
			if !curvedBetween(ms, start, end, threshold) {
				continue
			}
			cut := end - 1
			if cuts[b.ID] == nil {
				cuts[b.ID] = make(map[int]struct{})
			}
			cuts[b.ID][cut] = struct{}{}
			start = cut
		}
	}
	return applyCuts(r, cuts)
}

func curvedBetween(ms []Marker, start, end int, threshold float64) bool {
	for k := start + 1; k < end; k++ {
		if PointSegmentDistance(ms[k], ms[start], ms[end]) > threshold {
			return true
		}
	}
	return false
}

// applyCuts splits each branch at its cut indices, highest first, so the
// earlier indices stay valid.
func applyCuts(r *Reconstruction, cuts map[BranchID]map[int]struct{}) int {
	n := 0
	for _, id := range sortedKeys(cuts) {
		idx := make([]int, 0, len(cuts[id]))
		for k := range cuts[id] {
			idx = append(idx, k)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(idx)))
		for _, k := range idx {
			if _, err := r.SplitBranch(id, k); err == nil {
				n++
			}
		}
	}
	return n
}
