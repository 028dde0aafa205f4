package mesh

import (
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// DefaultMatchScoreThreshold is the minimum local alignment score for a
// branch pair to be accepted as a match. A pair of markers at the same
// position scores 1, so the default asks for roughly two coincident markers.
const DefaultMatchScoreThreshold = 2.0

// siblingLookahead is how many markers are used to estimate the direction of
// a branch when ordering siblings.
const siblingLookahead = 4

// Match is a proposed correspondence between a range of a reconstruction
// branch and a range of a composite branch.
type Match struct {
	Recon      BranchID    `json:"recon"`
	Comp       CompositeID `json:"comp"`
	ReconRange Range       `json:"reconRange"`
	CompRange  Range       `json:"compRange"`
	// Pairs are aligned (reconstruction marker, composite marker) indices.
	Pairs      [][2]int  `json:"pairs"`
	PairScores []float64 `json:"pairScores"`
	Score      float64   `json:"score"`
	// MinScore is the score the match needs to survive truncation; zero
	// defers to the threshold given to ResolveConflicts.
	MinScore float64 `json:"minScore,omitempty"`
}

func newMatch(rb BranchID, cb CompositeID, la LocalAlignment, minScore float64) *Match {
	return &Match{
		Recon:      rb,
		Comp:       cb,
		ReconRange: la.A,
		CompRange:  la.B,
		Pairs:      la.Pairs,
		PairScores: la.PairScores,
		Score:      la.Score,
		MinScore:   minScore,
	}
}

// floor is the score m must keep when it is cut back.
func (m *Match) floor(threshold float64) float64 {
	if m.MinScore > 0 && m.MinScore < threshold {
		return m.MinScore
	}
	return threshold
}

// Branch returns the matched branch handle on side s.
func (m *Match) Branch(s Side) int {
	if s == SideComposite {
		return int(m.Comp)
	}
	return int(m.Recon)
}

// Range returns the matched range on side s.
func (m *Match) Range(s Side) Range {
	if s == SideComposite {
		return m.CompRange
	}
	return m.ReconRange
}

// refreshRanges recomputes both ranges from the remaining pairs.
func (m *Match) refreshRanges() {
	if len(m.Pairs) == 0 {
		m.ReconRange = Range{Start: 0, End: -1}
		m.CompRange = Range{Start: 0, End: -1}
		return
	}
	first, last := m.Pairs[0], m.Pairs[len(m.Pairs)-1]
	m.ReconRange = Range{Start: first[0], End: last[0]}
	m.CompRange = Range{Start: first[1], End: last[1]}
}

func (m *Match) String() string {
	return fmt.Sprintf("recon %d[%d:%d] ~ comp %d[%d:%d] (%.2f)",
		m.Recon, m.ReconRange.Start, m.ReconRange.End,
		m.Comp, m.CompRange.Start, m.CompRange.End, m.Score)
}

// Matcher finds matches between one reconstruction and the composite for a
// single incorporation. It tracks which branches on each side are still
// unmatched.
type Matcher struct {
	recon  *Reconstruction
	comp   *Composite
	bins   *Binning
	params Params

	matches      []*Match
	reconMatched map[BranchID]bool
	compMatched  map[CompositeID]bool
}

// NewMatcher prepares a matcher. Both the reconstruction and the composite
// must already be binned in bins.
func NewMatcher(r *Reconstruction, c *Composite, bins *Binning, p Params) *Matcher {
	return &Matcher{
		recon:        r,
		comp:         c,
		bins:         bins,
		params:       p,
		reconMatched: make(map[BranchID]bool),
		compMatched:  make(map[CompositeID]bool),
	}
}

// Exclude marks branches already matched in an earlier round so they are
// neither walked from nor offered as candidates.
func (m *Matcher) Exclude(recon []BranchID, comp []CompositeID) {
	for _, id := range recon {
		m.reconMatched[id] = true
	}
	for _, id := range comp {
		m.compMatched[id] = true
	}
}

// Matches returns every match registered so far, in discovery order.
func (m *Matcher) Matches() []*Match {
	return m.matches
}

// UnmatchedReconstruction returns the reconstruction branches without a
// match, ascending.
func (m *Matcher) UnmatchedReconstruction() []BranchID {
	var out []BranchID
	for _, b := range m.recon.Branches() {
		if !m.reconMatched[b.ID] {
			out = append(out, b.ID)
		}
	}
	return out
}

// UnmatchedComposite returns the composite branches without a match,
// ascending.
func (m *Matcher) UnmatchedComposite() []CompositeID {
	var out []CompositeID
	for _, b := range m.comp.Branches() {
		if !m.compMatched[b.ID] {
			out = append(out, b.ID)
		}
	}
	return out
}

func (m *Matcher) register(match *Match) {
	m.matches = append(m.matches, match)
	m.reconMatched[match.Recon] = true
	m.compMatched[match.Comp] = true
}

func (m *Matcher) localAlign(rb BranchID, cb CompositeID) LocalAlignment {
	return LocalAlignMarkers(
		m.recon.Branch(rb).Markers,
		m.comp.Branch(cb).Markers,
		m.params.AlignmentDistanceThreshold,
		m.params.GapCost,
	)
}

// minScore is the alignment score rb and cb must reach to match.
func (m *Matcher) minScore(rb BranchID, cb CompositeID) float64 {
	return m.params.MinMatchScore(len(m.recon.Branch(rb).Markers), len(m.comp.Branch(cb).Markers))
}

// accept wraps la as a match when it reaches the score rb and cb need.
func (m *Matcher) accept(rb BranchID, cb CompositeID, la LocalAlignment) (*Match, bool) {
	floor := m.minScore(rb, cb)
	if la.Empty() || la.Score < floor {
		return nil, false
	}
	return newMatch(rb, cb, la, floor), true
}

func (m *Matcher) nearbyComposite(rb BranchID) []CompositeID {
	ids := m.bins.NearbySegments(ReconstructionOwner(m.recon.ID), int(rb), CompositeOwner)
	out := make([]CompositeID, 0, len(ids))
	for _, id := range ids {
		out = append(out, CompositeID(id))
	}
	return out
}

// SeedRoot matches the reconstruction root against every nearby composite
// branch and registers the best match above threshold. Short branches,
// such as a single-marker soma, need a proportionally lower score. It
// returns nil when the root has no counterpart or is already matched.
func (m *Matcher) SeedRoot() *Match {
	root := m.recon.Root
	if m.reconMatched[root] {
		return nil
	}
	var best *Match
	for _, cb := range m.nearbyComposite(root) {
		if m.compMatched[cb] {
			continue
		}
		match, ok := m.accept(root, cb, m.localAlign(root, cb))
		if !ok {
			continue
		}
		if best == nil || match.Score > best.Score+scoreEpsilon {
			best = match
		}
	}
	if best != nil {
		m.register(best)
	}
	return best
}

// FindMatches walks down from a matched pair of branches. At every step the
// unmatched children of both sides are ordered by azimuth around the parent
// direction, aligned with AlignSegments, and aligned pairs whose local score
// reaches the threshold become matches that are walked in turn.
func (m *Matcher) FindMatches(rb BranchID, cb CompositeID) []*Match {
	var found []*Match
	queue := []struct {
		r BranchID
		c CompositeID
	}{{rb, cb}}

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		rc := m.orderedReconChildren(head.r)
		cc := m.orderedCompositeChildren(head.c)
		if len(rc) == 0 || len(cc) == 0 {
			continue
		}

		las := make([][]LocalAlignment, len(rc))
		for i, r := range rc {
			las[i] = make([]LocalAlignment, len(cc))
			for j, c := range cc {
				las[i][j] = m.localAlign(r, c)
			}
		}

		wa := make([]float64, len(rc))
		for i, r := range rc {
			wa[i] = CalculateWeights([][]Marker{m.recon.Branch(r).Markers}, m.recon.Confidence)[0]
		}
		wb := make([]float64, len(cc))
		for j, c := range cc {
			b := m.comp.Branch(c)
			wb[j] = CalculateWeights([][]Marker{b.Markers}, compositeWeight(b))[0]
		}

		sim := func(i, j int) float64 {
			la := las[i][j]
			n := min(len(m.recon.Branch(rc[i]).Markers), len(m.comp.Branch(cc[j]).Markers))
			if la.Empty() || n == 0 {
				return 0
			}
			return min(1, la.Score/float64(n))
		}
		dev := func(i, j int) float64 {
			return meanPairDistance(m.recon.Branch(rc[i]).Markers, m.comp.Branch(cc[j]).Markers,
				las[i][j].Pairs, m.params.AlignmentDistanceThreshold)
		}

		al := AlignSegments(len(rc), len(cc), wa, wb, m.params.GapCost, sim, dev)
		for _, p := range al.Pairs {
			r, c := rc[p[0]], cc[p[1]]
			if m.reconMatched[r] || m.compMatched[c] {
				continue
			}
			match, ok := m.accept(r, c, las[p[0]][p[1]])
			if !ok {
				continue
			}
			m.register(match)
			found = append(found, match)
			queue = append(queue, struct {
				r BranchID
				c CompositeID
			}{r, c})
		}
	}
	return found
}

// FindMatchesLocalAlignment matches every still unmatched reconstruction
// branch against the unmatched composite branches registered near it.
// Candidates are generated concurrently and registered in branch order, so
// the result does not depend on scheduling.
func (m *Matcher) FindMatchesLocalAlignment() ([]*Match, error) {
	pending := m.UnmatchedReconstruction()
	results := make([][]*Match, len(pending))

	var g errgroup.Group
	g.SetLimit(m.workers())
	for i, rb := range pending {
		var candidates []CompositeID
		for _, cb := range m.nearbyComposite(rb) {
			if !m.compMatched[cb] {
				candidates = append(candidates, cb)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		g.Go(func() error {
			found, err := m.GenerateCandidateMatchesViaLocalAlign(rb, candidates)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var found []*Match
	for _, ms := range results {
		for _, match := range ms {
			m.register(match)
			found = append(found, match)
		}
	}
	return found, nil
}

// GenerateCandidateMatchesViaLocalAlign aligns one reconstruction branch
// against each candidate composite branch and returns the alignments that
// reach the match threshold, ordered by composite handle. It only reads
// shared state and is safe to call concurrently.
func (m *Matcher) GenerateCandidateMatchesViaLocalAlign(rb BranchID, candidates []CompositeID) ([]*Match, error) {
	if m.recon.Branch(rb) == nil {
		return nil, fmt.Errorf("candidate matches for %s branch %d: %w", m.recon.Name, rb, ErrBranchNotFound)
	}
	sorted := append([]CompositeID(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []*Match
	for _, cb := range sorted {
		if m.comp.Branch(cb) == nil {
			return nil, fmt.Errorf("candidate matches for composite branch %d: %w", cb, ErrBranchNotFound)
		}
		if match, ok := m.accept(rb, cb, m.localAlign(rb, cb)); ok {
			out = append(out, match)
		}
	}
	return out, nil
}

func (m *Matcher) workers() int {
	if m.params.Workers > 0 {
		return m.params.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (m *Matcher) orderedReconChildren(id BranchID) []BranchID {
	parent := m.recon.Branch(id)
	axis := tailDirection(parent.Markers, siblingLookahead)
	var out []BranchID
	for _, c := range parent.Children {
		if !m.reconMatched[c] {
			out = append(out, c)
		}
	}
	angle := make(map[BranchID]float64, len(out))
	for _, c := range out {
		angle[c] = azimuth(axis, direction(m.recon.Branch(c).Markers, siblingLookahead))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if angle[out[i]] != angle[out[j]] {
			return angle[out[i]] < angle[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func (m *Matcher) orderedCompositeChildren(id CompositeID) []CompositeID {
	parent := m.comp.Branch(id)
	axis := tailDirection(parent.Markers, siblingLookahead)
	var out []CompositeID
	for _, c := range parent.Children {
		if !m.compMatched[c] {
			out = append(out, c)
		}
	}
	angle := make(map[CompositeID]float64, len(out))
	for _, c := range out {
		angle[c] = azimuth(axis, direction(m.comp.Branch(c).Markers, siblingLookahead))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if angle[out[i]] != angle[out[j]] {
			return angle[out[i]] < angle[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// compositeWeight is the confidence used when weighting a composite branch
// for alignment. Branches that never lost a vote weigh 1.
func compositeWeight(b *CompositeBranchContainer) float64 {
	if b.Denominator <= 0 {
		return 1
	}
	return b.Confidence()
}

// meanPairDistance averages the distance of aligned marker pairs. An empty
// alignment deviates by the full alignment threshold.
func meanPairDistance(a, b []Marker, pairs [][2]int, threshold float64) float64 {
	if len(pairs) == 0 {
		return threshold
	}
	var sum float64
	for _, p := range pairs {
		sum += Distance(a[p[0]], b[p[1]])
	}
	return sum / float64(len(pairs))
}
