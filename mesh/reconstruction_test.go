package mesh

import (
	"errors"
	"testing"
)

// fork returns a trunk with two children, the second of which has a child.
func fork() *NeuronSegment {
	grandchild := &NeuronSegment{Markers: line(20, 0, 0, 1, 0, 0, 3)}
	return &NeuronSegment{
		Markers: line(0, 0, 0, 1, 0, 0, 5),
		Children: []*NeuronSegment{
			{Markers: line(5, 0, 0, 0, 1, 0, 4)},
			{Markers: line(5, 0, 0, 1, 0, 0, 4), Children: []*NeuronSegment{grandchild}},
		},
	}
}

func TestNewReconstruction(t *testing.T) {
	r, err := NewReconstruction("fork", fork(), 0.5)
	if err != nil {
		t.Fatalf("NewReconstruction: %v", err)
	}
	if r.Len() != 4 {
		t.Fatalf("Len = %d, want 4", r.Len())
	}
	if r.MarkerCount() != 16 {
		t.Errorf("MarkerCount = %d, want 16", r.MarkerCount())
	}
	if r.Root != 0 || r.Branch(0).Parent != NoBranch {
		t.Errorf("root = %d parent %d", r.Root, r.Branch(0).Parent)
	}
	children := r.Branch(r.Root).Children
	if len(children) != 2 || children[0] != 1 || children[1] != 2 {
		t.Errorf("root children = %v, want [1 2] in input order", children)
	}
	if r.Branch(1).Markers[1].Y != 1 {
		t.Errorf("first child should be the +y branch")
	}
	if got := r.Branch(2).Children; len(got) != 1 || got[0] != 3 {
		t.Errorf("second child children = %v, want [3]", got)
	}
	for _, b := range r.Branches() {
		if b.CompositeMatch != NoBranch || b.Confidence != -1 {
			t.Errorf("branch %d not in initial state: match %d conf %g", b.ID, b.CompositeMatch, b.Confidence)
		}
	}
	if err := r.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNewReconstruction_Confidence(t *testing.T) {
	r, err := NewReconstruction("unweighted", fork(), 0)
	if err != nil {
		t.Fatalf("NewReconstruction: %v", err)
	}
	if r.Confidence != 1 {
		t.Errorf("Confidence = %g, want 1", r.Confidence)
	}

	for _, c := range []float64{-0.1, 1.5} {
		_, err := NewReconstruction("bad", fork(), c)
		if !errors.Is(err, ErrMalformedReconstruction) {
			t.Errorf("confidence %g: err = %v, want ErrMalformedReconstruction", c, err)
		}
	}
}

func TestNewReconstruction_Malformed(t *testing.T) {
	cyclic := &NeuronSegment{Markers: line(0, 0, 0, 1, 0, 0, 3)}
	cyclic.Children = []*NeuronSegment{cyclic}

	shared := &NeuronSegment{Markers: line(0, 0, 0, 1, 0, 0, 3)}
	diamond := &NeuronSegment{
		Markers:  line(0, 0, 0, 1, 0, 0, 3),
		Children: []*NeuronSegment{shared, shared},
	}

	tests := []struct {
		name string
		root *NeuronSegment
	}{
		{"nil root", nil},
		{"cycle", cyclic},
		{"shared segment", diamond},
		{"empty segment", &NeuronSegment{}},
		{"nil child", &NeuronSegment{Markers: line(0, 0, 0, 1, 0, 0, 2), Children: []*NeuronSegment{nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReconstruction(tt.name, tt.root, 1)
			var me *MalformedError
			if !errors.As(err, &me) {
				t.Fatalf("err = %v, want *MalformedError", err)
			}
			if me.Name != tt.name {
				t.Errorf("Name = %q, want %q", me.Name, tt.name)
			}
		})
	}
}

func TestReconstruction_SplitBranch(t *testing.T) {
	r, _ := NewReconstruction("fork", fork(), 1)
	r.Branch(0).CompositeMatch = 4
	r.Branch(0).Confidence = 0.5

	nid, err := r.SplitBranch(0, 2)
	if err != nil {
		t.Fatalf("SplitBranch: %v", err)
	}
	head, tail := r.Branch(0), r.Branch(nid)
	if len(head.Markers) != 2 || len(tail.Markers) != 3 {
		t.Errorf("split sizes = %d/%d, want 2/3", len(head.Markers), len(tail.Markers))
	}
	if tail.Markers[0].X != 2 {
		t.Errorf("tail starts at x=%g, want 2", tail.Markers[0].X)
	}
	if len(head.Children) != 1 || head.Children[0] != nid || tail.Parent != 0 {
		t.Errorf("head/tail link broken: head children %v tail parent %d", head.Children, tail.Parent)
	}
	if len(tail.Children) != 2 {
		t.Errorf("tail children = %v, want the two original children", tail.Children)
	}
	for _, c := range tail.Children {
		if r.Branch(c).Parent != nid {
			t.Errorf("child %d parent = %d, want %d", c, r.Branch(c).Parent, nid)
		}
	}
	if tail.CompositeMatch != 4 || tail.Confidence != 0.5 {
		t.Errorf("tail did not inherit match/confidence: %d/%g", tail.CompositeMatch, tail.Confidence)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("Validate after split: %v", err)
	}
}

func TestReconstruction_SplitBranch_Errors(t *testing.T) {
	r, _ := NewReconstruction("fork", fork(), 1)
	if _, err := r.SplitBranch(99, 1); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("unknown branch: err = %v", err)
	}
	for _, idx := range []int{0, 5, -1} {
		if _, err := r.SplitBranch(0, idx); err == nil {
			t.Errorf("split at %d should fail", idx)
		}
	}
	if r.Len() != 4 {
		t.Errorf("failed splits changed the arena: Len = %d", r.Len())
	}
}

func TestReconstruction_Validate(t *testing.T) {
	r, _ := NewReconstruction("fork", fork(), 1)
	r.Branch(3).Parent = 1
	if err := r.Validate(); !errors.Is(err, ErrMalformedReconstruction) {
		t.Errorf("mismatched parent link: err = %v", err)
	}

	r, _ = NewReconstruction("fork", fork(), 1)
	r.Branch(2).Children = nil
	if err := r.Validate(); err == nil {
		t.Error("unreachable container should fail validation")
	}
}

func TestReconstruction_ToSegments(t *testing.T) {
	r, _ := NewReconstruction("fork", fork(), 1)
	if _, err := r.SplitBranch(0, 3); err != nil {
		t.Fatal(err)
	}
	seg := r.ToSegments()

	back, err := NewReconstruction("again", seg, 1)
	if err != nil {
		t.Fatalf("rebuilding from segments: %v", err)
	}
	if back.Len() != r.Len() || back.MarkerCount() != r.MarkerCount() {
		t.Errorf("round trip = %d branches/%d markers, want %d/%d",
			back.Len(), back.MarkerCount(), r.Len(), r.MarkerCount())
	}
}

func TestReconstruction_ScaleOnce(t *testing.T) {
	r, _ := NewReconstruction("fork", fork(), 1)
	r.scale(2)
	r.scale(2)
	m := r.Branch(0).Markers[4]
	if m.X != 8 || m.Radius != 1 {
		t.Errorf("marker after scaling = %+v, want x=8 r=1", m)
	}
}
