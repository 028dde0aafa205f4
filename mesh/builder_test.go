package mesh

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// straightChain returns three collinear 10-marker segments along +x at
// height y, each the only child of the previous.
func straightChain(y float64) *NeuronSegment {
	gc := &NeuronSegment{Markers: line(20, y, 0, 1, 0, 0, 10)}
	mid := &NeuronSegment{Markers: line(10, y, 0, 1, 0, 0, 10), Children: []*NeuronSegment{gc}}
	return &NeuronSegment{Markers: line(0, y, 0, 1, 0, 0, 10), Children: []*NeuronSegment{mid}}
}

// chainWithLeaf is straightChain plus a leaf leaving the last segment's end
// along +y.
func chainWithLeaf() *NeuronSegment {
	root := straightChain(0)
	gc := root.Children[0].Children[0]
	gc.Children = []*NeuronSegment{{Markers: line(29, 1, 0, 0, 1, 0, 10)}}
	return root
}

func newTestBuilder(t *testing.T, roots ...*NeuronSegment) *Builder {
	t.Helper()
	b, err := NewBuilderFromSegments(roots, nil, nil)
	require.NoError(t, err)
	return b
}

// leafBranch returns the composite branch that leaves the x axis.
func leafBranch(c *Composite) *CompositeBranchContainer {
	for _, b := range c.Branches() {
		if b.Markers[len(b.Markers)-1].Y > 5 {
			return b
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// lifecycle
// ---------------------------------------------------------------------------

func TestBuilder_States(t *testing.T) {
	b := NewBuilder()
	assert.Equal(t, StateInitialized, b.State())

	r, err := NewReconstruction("a", straightChain(0), 1)
	require.NoError(t, err)
	require.NoError(t, b.AddReconstruction(r))
	assert.Equal(t, StateReconstructionsAdded, b.State())
	assert.Equal(t, 0, r.ID)

	require.NoError(t, b.PreprocessReconstructions())
	assert.Equal(t, StatePreprocessed, b.State())

	require.NoError(t, b.BuildComposite())
	assert.Equal(t, StateBuiltComposite, b.State())
	assert.Equal(t, "built-composite", b.State().String())
}

func TestBuilder_StateErrors(t *testing.T) {
	b := NewBuilder()

	err := b.BuildComposite()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "build composite", se.Op)
	assert.Equal(t, StateInitialized, se.State)

	assert.ErrorIs(t, b.PreprocessReconstructions(), ErrInvalidState)

	b = newTestBuilder(t, straightChain(0))
	_, err = b.BuildConsensus()
	require.NoError(t, err)

	r, _ := NewReconstruction("late", straightChain(0), 1)
	assert.ErrorIs(t, b.AddReconstruction(r), ErrInvalidState)
	assert.ErrorIs(t, b.SetReconstructions(nil), ErrInvalidState)
	assert.ErrorIs(t, b.PreprocessReconstructions(), ErrInvalidState)
}

func TestBuilder_AddReconstruction_Errors(t *testing.T) {
	b := NewBuilder()
	assert.ErrorIs(t, b.AddReconstruction(nil), ErrMalformedReconstruction)

	r, _ := NewReconstruction("a", straightChain(0), 1)
	require.NoError(t, b.AddReconstruction(r))
	assert.Error(t, b.AddReconstruction(r), "the same reconstruction twice")
	assert.Len(t, b.Reconstructions(), 1)
}

func TestBuilder_SetReconstructions(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), straightChain(1))
	assert.Equal(t, StateReconstructionsAdded, b.State())

	r, _ := NewReconstruction("only", straightChain(0), 0.5)
	require.NoError(t, b.SetReconstructions([]*Reconstruction{r}))
	require.Len(t, b.Reconstructions(), 1)
	assert.Equal(t, 0, r.ID)

	require.NoError(t, b.SetReconstructions(nil))
	assert.Equal(t, StateInitialized, b.State())
	assert.Empty(t, b.Reconstructions())
}

func TestBuilder_Clear(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), straightChain(0))
	b.SetGapCost(0.75)
	_, err := b.BuildConsensus()
	require.NoError(t, err)
	require.NotZero(t, b.Composite().Len())

	b.Clear()
	assert.Equal(t, StateInitialized, b.State())
	assert.Empty(t, b.Reconstructions())
	assert.Zero(t, b.Composite().Len())
	assert.Empty(t, b.Summary().BuildID)
	assert.Equal(t, 0.75, b.GapCost(), "parameters survive Clear")
}

func TestNewBuilderFromSegments(t *testing.T) {
	b, err := NewBuilderFromSegments(
		[]*NeuronSegment{straightChain(0), straightChain(1)},
		[]string{"first"},
		[]float64{0.5},
	)
	require.NoError(t, err)
	rs := b.Reconstructions()
	require.Len(t, rs, 2)
	assert.Equal(t, "first", rs[0].Name)
	assert.Equal(t, "reconstruction-1", rs[1].Name)
	assert.Equal(t, 0.5, rs[0].Confidence)
	assert.Equal(t, 1.0, rs[1].Confidence)

	_, err = NewBuilderFromSegments([]*NeuronSegment{{}}, nil, nil)
	assert.ErrorIs(t, err, ErrMalformedReconstruction)
}

func TestBuilder_InvalidParams(t *testing.T) {
	b := newTestBuilder(t, straightChain(0))
	b.SetRegisterCubeSize(0)
	assert.Error(t, b.PreprocessReconstructions())
	assert.Equal(t, StateReconstructionsAdded, b.State())
}

// ---------------------------------------------------------------------------
// building
// ---------------------------------------------------------------------------

func TestBuildConsensus_NoReconstructions(t *testing.T) {
	cons, err := NewBuilder().BuildConsensus()
	require.NoError(t, err)
	assert.True(t, cons.Empty())
	assert.Empty(t, cons.Roots)
}

func TestBuildConsensus_IdenticalChains(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), straightChain(0))
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	c := b.Composite()
	require.Equal(t, 3, c.Len())
	for _, cb := range c.Branches() {
		assert.Equal(t, 2.0, cb.Numerator, "branch %d", cb.ID)
		assert.Equal(t, 2.0, cb.Denominator, "branch %d", cb.ID)
	}

	require.Equal(t, 3, cons.Len())
	require.Len(t, cons.Roots, 1)
	root := cons.Branch(cons.Roots[0])
	require.Len(t, root.Children, 1)
	mid := cons.Branch(root.Children[0])
	require.Len(t, mid.Children, 1)
	assert.Equal(t, 2.0, mid.Votes)
	assert.InDelta(t, 1, mid.ConnectionConfidence, 1e-9)
	assert.Equal(t, 30, cons.MarkerCount())

	for _, r := range b.Reconstructions() {
		for _, br := range r.Branches() {
			assert.NotEqual(t, CompositeID(NoBranch), br.CompositeMatch)
			assert.InDelta(t, 1, br.Confidence, 1e-9)
		}
	}

	s := b.Summary()
	_, err = uuid.Parse(s.BuildID)
	assert.NoError(t, err)
	assert.Equal(t, 2, s.Reconstructions)
	assert.Equal(t, 3, s.Branches)
	assert.Equal(t, 3, s.MatchesAccepted)
	assert.Zero(t, s.Splits)
	assert.InDelta(t, 1, s.MeanConfidence, 1e-9)
	require.Len(t, s.Incorporations, 2)
	assert.Equal(t, 3, s.Incorporations[0].NewBranches)
	assert.Equal(t, 0, s.Incorporations[1].NewBranches)
}

func TestBuildConsensus_ExtraLeafLast(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), chainWithLeaf())
	_, err := b.BuildConsensus()
	require.NoError(t, err)

	c := b.Composite()
	require.Equal(t, 4, c.Len())
	leaf := leafBranch(c)
	require.NotNil(t, leaf)
	assert.Equal(t, 1.0, leaf.Numerator)
	assert.Equal(t, 1.0, leaf.Denominator)
	assert.Equal(t, 1, leaf.Origin)

	votes, err := b.BuildConsensusWithThreshold(Threshold{Value: 2, Kind: ThresholdVotes})
	require.NoError(t, err)
	assert.Equal(t, 3, votes.Len())
	assert.Nil(t, votes.Branch(leaf.ID))
}

func TestBuildConsensus_ExtraLeafFirst(t *testing.T) {
	b := newTestBuilder(t, chainWithLeaf(), straightChain(0))
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	leaf := leafBranch(b.Composite())
	require.NotNil(t, leaf)
	assert.Equal(t, 1.0, leaf.Numerator)
	assert.Equal(t, 2.0, leaf.Denominator, "the second reconstruction reached the leaf without matching it")

	kept := cons.Branch(leaf.ID)
	require.NotNil(t, kept, "0.5 passes the default proportion")
	assert.NotEqual(t, CompositeID(NoBranch), kept.Parent)

	strict, err := b.BuildConsensusWithThreshold(Threshold{Value: 0.75})
	require.NoError(t, err)
	assert.Nil(t, strict.Branch(leaf.ID))
	assert.Equal(t, 3, strict.Len())
}

func TestBuildConsensus_ConfidenceAccounting(t *testing.T) {
	roots := []*NeuronSegment{straightChain(0), straightChain(0.5), chainWithLeaf(), straightChain(1)}
	confs := []float64{1, 0.5, 0.8, 0.3}
	b, err := NewBuilderFromSegments(roots, nil, confs)
	require.NoError(t, err)
	_, err = b.BuildConsensus()
	require.NoError(t, err)

	var total float64
	for _, c := range confs {
		total += c
	}
	for _, cb := range b.Composite().Branches() {
		assert.LessOrEqual(t, cb.Numerator, cb.Denominator+1e-9, "branch %d", cb.ID)
		assert.LessOrEqual(t, cb.Denominator, total+1e-9, "branch %d", cb.ID)
		assert.Greater(t, cb.Numerator, 0.0, "branch %d", cb.ID)
	}
}

func TestBuildConsensus_AveragesOffsetChains(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), straightChain(1))
	cons, err := b.BuildConsensus()
	require.NoError(t, err)
	require.Equal(t, 3, cons.Len())
	for _, br := range cons.Branches {
		for _, m := range br.Markers {
			assert.InDelta(t, 0.5, m.Y, 1e-9)
		}
	}
}

func TestBuildConsensus_Scale(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), straightChain(0))
	b.SetScale(2)
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	maxX := 0.0
	for _, br := range cons.Branches {
		for _, m := range br.Markers {
			maxX = max(maxX, m.X)
		}
	}
	assert.InDelta(t, 58, maxX, 1e-9)
}

func TestBuildConsensus_Reextract(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), chainWithLeaf())
	first, err := b.BuildConsensus()
	require.NoError(t, err)
	id := b.Summary().BuildID

	again, err := b.BuildConsensusWithThreshold(Threshold{Value: 0.25})
	require.NoError(t, err)
	assert.Equal(t, id, b.Summary().BuildID, "extraction alone must not rebuild")
	assert.Equal(t, first.Len(), again.Len())
}

// ---------------------------------------------------------------------------
// differently segmented inputs
// ---------------------------------------------------------------------------

// singleSegment is straightChain(0) as one 30-marker segment.
func singleSegment() *NeuronSegment {
	return &NeuronSegment{Markers: line(0, 0, 0, 1, 0, 0, 30)}
}

// somaTree is a one-marker soma with dendrites leaving along +x and -x.
func somaTree() *NeuronSegment {
	return &NeuronSegment{
		Markers: []Marker{{Radius: 4}},
		Children: []*NeuronSegment{
			{Markers: line(1, 0, 0, 1, 0, 0, 10)},
			{Markers: line(-1, 0, 0, -1, 0, 0, 10)},
		},
	}
}

// yTree is a trunk along +x forking up and down at x=9. With splitTrunk the
// trunk is given as two 5-marker segments.
func yTree(splitTrunk bool) *NeuronSegment {
	arms := []*NeuronSegment{
		{Markers: line(9, 1, 0, 0, 1, 0, 8)},
		{Markers: line(9, -1, 0, 0, -1, 0, 8)},
	}
	if !splitTrunk {
		return &NeuronSegment{Markers: line(0, 0, 0, 1, 0, 0, 10), Children: arms}
	}
	tail := &NeuronSegment{Markers: line(5, 0, 0, 1, 0, 0, 5), Children: arms}
	return &NeuronSegment{Markers: line(0, 0, 0, 1, 0, 0, 5), Children: []*NeuronSegment{tail}}
}

// assertUnanimous checks that every composite branch was matched by all n
// reconstructions and that the consensus is a single tree.
func assertUnanimous(t *testing.T, b *Builder, cons *Consensus, n float64) {
	t.Helper()
	for _, cb := range b.Composite().Branches() {
		assert.Equal(t, n, cb.Numerator, "branch %d numerator", cb.ID)
		assert.Equal(t, n, cb.Denominator, "branch %d denominator", cb.ID)
	}
	assert.Equal(t, b.Composite().Len(), cons.Len())
	assert.Len(t, cons.Roots, 1)
	for _, r := range b.Reconstructions() {
		for _, br := range r.Branches() {
			assert.NotEqual(t, CompositeID(NoBranch), br.CompositeMatch, "%s branch %d", r.Name, br.ID)
		}
	}
}

func TestBuildConsensus_ChainThenSingleSegment(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), singleSegment())
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	require.Equal(t, 3, b.Composite().Len())
	assertUnanimous(t, b, cons, 2)
	assert.Equal(t, 30, cons.MarkerCount())
	assert.Equal(t, 0, b.Summary().Incorporations[1].NewBranches)
	assert.Equal(t, 3, b.Reconstructions()[1].Len(), "the single segment is cut at the chain's boundaries")
}

func TestBuildConsensus_SingleSegmentThenChain(t *testing.T) {
	b := newTestBuilder(t, singleSegment(), straightChain(0))
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	require.Equal(t, 3, b.Composite().Len())
	assertUnanimous(t, b, cons, 2)
	assert.Equal(t, 30, cons.MarkerCount())
	assert.Equal(t, 0, b.Summary().Incorporations[1].NewBranches)

	root := cons.Branch(cons.Roots[0])
	require.Len(t, root.Children, 1)
	mid := cons.Branch(root.Children[0])
	assert.InDelta(t, 1, mid.ConnectionConfidence, 1e-9)
}

func TestBuildConsensus_SomaRootedTrees(t *testing.T) {
	roots := make([]*NeuronSegment, 5)
	for i := range roots {
		roots[i] = somaTree()
	}
	b := newTestBuilder(t, roots...)
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	require.Equal(t, 3, b.Composite().Len())
	assertUnanimous(t, b, cons, 5)
	soma := cons.Branch(cons.Roots[0])
	require.Len(t, soma.Markers, 1)
	assert.Len(t, soma.Children, 2)
	assert.Equal(t, 21, cons.MarkerCount())
}

func TestBuildConsensus_YTreeSplitDifferently(t *testing.T) {
	b := newTestBuilder(t, yTree(false), yTree(true))
	cons, err := b.BuildConsensus()
	require.NoError(t, err)

	// The first trunk is cut where the second one is.
	require.Equal(t, 4, b.Composite().Len())
	assertUnanimous(t, b, cons, 2)
	assert.Equal(t, 26, cons.MarkerCount())

	trunk := cons.Branch(cons.Roots[0])
	require.Len(t, trunk.Children, 1)
	fork := cons.Branch(trunk.Children[0])
	assert.Len(t, fork.Children, 2)
	// Trunk head and arms, then the trunk tail, then nothing left.
	assert.Equal(t, 3, b.Summary().Incorporations[1].Rounds)
	assert.Equal(t, 4, b.Summary().Incorporations[1].Matches)
}

func TestBuildComposite_FailureLeavesReconstructions(t *testing.T) {
	b := newTestBuilder(t, straightChain(0), singleSegment(), straightChain(0))
	require.NoError(t, b.PreprocessReconstructions())

	rs := b.Reconstructions()
	broken := rs[2].Branch(1)
	broken.Parent = 2

	require.Error(t, b.BuildComposite())
	assert.Equal(t, StatePreprocessed, b.State())
	assert.Zero(t, b.Composite().Len())
	assert.Equal(t, 1, rs[1].Len(), "a failed build must not split the stored reconstructions")
	assert.Equal(t, CompositeID(NoBranch), rs[1].Branch(0).CompositeMatch)

	broken.Parent = 0
	require.NoError(t, b.BuildComposite())
	assert.Same(t, rs[1], b.Reconstructions()[1])
	assert.Equal(t, 3, rs[1].Len())
	assert.Equal(t, 3, b.Composite().Len())
}
