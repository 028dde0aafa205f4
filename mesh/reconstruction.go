package mesh

import (
	"fmt"
)

// BranchContainer wraps one segment of a Reconstruction. Links are handles
// into the owning reconstruction (Parent, Children) or into the composite
// (CompositeMatch); none of them own the referenced branch.
type BranchContainer struct {
	ID             BranchID    `json:"id"`
	Markers        []Marker    `json:"markers"`
	Parent         BranchID    `json:"parent"`
	Children       []BranchID  `json:"children"`
	CompositeMatch CompositeID `json:"compositeMatch"`
	// Confidence is the proportion of the matched composite branch after a
	// build, or -1 while unset.
	Confidence float64 `json:"confidence"`
}

// Reconstruction is one input tree and the arena of branch containers built
// from it.
type Reconstruction struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Root       BranchID
	branches   []*BranchContainer
	scaled     bool
}

// NewReconstruction builds the branch arena for the tree rooted at root.
// A confidence of zero means "unweighted" and is stored as 1.
// Cyclic trees, segments reachable twice and empty segments are rejected
// with a *MalformedError.
func NewReconstruction(name string, root *NeuronSegment, confidence float64) (*Reconstruction, error) {
	if root == nil {
		return nil, &MalformedError{Name: name, Reason: "no root segment"}
	}
	if confidence < 0 || confidence > 1 {
		return nil, &MalformedError{Name: name, Reason: fmt.Sprintf("confidence %.3f outside [0,1]", confidence)}
	}
	if confidence == 0 {
		confidence = 1
	}

	r := &Reconstruction{
		ID:         -1,
		Name:       name,
		Confidence: confidence,
		Root:       NoBranch,
	}

	type item struct {
		seg    *NeuronSegment
		parent BranchID
	}
	seen := make(map[*NeuronSegment]struct{})
	stack := []item{{seg: root, parent: NoBranch}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, dup := seen[it.seg]; dup {
			return nil, &MalformedError{Name: name, Reason: "segment reachable more than once (cycle or shared segment)"}
		}
		seen[it.seg] = struct{}{}
		if len(it.seg.Markers) == 0 {
			return nil, &MalformedError{Name: name, Reason: "segment without markers"}
		}

		id := r.newBranch(append([]Marker(nil), it.seg.Markers...), it.parent)
		if it.parent == NoBranch {
			r.Root = id
		} else {
			p := r.branches[it.parent]
			p.Children = append(p.Children, id)
		}

		// Push in reverse so children keep their input order in the arena.
		for i := len(it.seg.Children) - 1; i >= 0; i-- {
			child := it.seg.Children[i]
			if child == nil {
				return nil, &MalformedError{Name: name, Reason: "nil child segment"}
			}
			stack = append(stack, item{seg: child, parent: id})
		}
	}

	return r, nil
}

func (r *Reconstruction) newBranch(markers []Marker, parent BranchID) BranchID {
	id := BranchID(len(r.branches))
	r.branches = append(r.branches, &BranchContainer{
		ID:             id,
		Markers:        markers,
		Parent:         parent,
		CompositeMatch: NoBranch,
		Confidence:     -1,
	})
	return id
}

// clone returns a copy of r whose branch arena can be split and relinked
// without touching r.
func (r *Reconstruction) clone() *Reconstruction {
	c := *r
	c.branches = make([]*BranchContainer, len(r.branches))
	for i, b := range r.branches {
		cb := *b
		cb.Markers = append([]Marker(nil), b.Markers...)
		cb.Children = append([]BranchID(nil), b.Children...)
		c.branches[i] = &cb
	}
	return &c
}

// Len returns the number of branch containers.
func (r *Reconstruction) Len() int {
	return len(r.branches)
}

// Branch returns the container for id, or nil for an unknown handle.
func (r *Reconstruction) Branch(id BranchID) *BranchContainer {
	if id < 0 || int(id) >= len(r.branches) {
		return nil
	}
	return r.branches[id]
}

// Branches returns the containers in arena order.
func (r *Reconstruction) Branches() []*BranchContainer {
	return r.branches
}

// MarkerCount returns the total number of markers across all branches.
func (r *Reconstruction) MarkerCount() int {
	n := 0
	for _, b := range r.branches {
		n += len(b.Markers)
	}
	return n
}

// SplitBranch cuts branch id before marker idx. The original container keeps
// markers [0, idx), its identity, confidence and composite link; a new
// container takes markers [idx, n) and the original children.
func (r *Reconstruction) SplitBranch(id BranchID, idx int) (BranchID, error) {
	b := r.Branch(id)
	if b == nil {
		return NoBranch, fmt.Errorf("split %s branch %d: %w", r.Name, id, ErrBranchNotFound)
	}
	if idx <= 0 || idx >= len(b.Markers) {
		return NoBranch, fmt.Errorf("split %s branch %d at %d: index outside (0,%d)", r.Name, id, idx, len(b.Markers))
	}

	tail := append([]Marker(nil), b.Markers[idx:]...)
	b.Markers = append([]Marker(nil), b.Markers[:idx]...)

	nid := r.newBranch(tail, id)
	nb := r.branches[nid]
	nb.CompositeMatch = b.CompositeMatch
	nb.Confidence = b.Confidence
	nb.Children = b.Children
	for _, c := range nb.Children {
		r.branches[c].Parent = nid
	}
	b.Children = []BranchID{nid}

	return nid, nil
}

// Validate checks that the container links form a single tree rooted at Root
// in which every container is reachable exactly once.
func (r *Reconstruction) Validate() error {
	if r.Root == NoBranch || r.Branch(r.Root) == nil {
		return &MalformedError{Name: r.Name, Reason: "missing root container"}
	}
	if r.branches[r.Root].Parent != NoBranch {
		return &MalformedError{Name: r.Name, Reason: "root container has a parent"}
	}
	visited := make([]bool, len(r.branches))
	stack := []BranchID{r.Root}
	count := 0
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			return &MalformedError{Name: r.Name, Reason: fmt.Sprintf("branch %d reachable more than once", id)}
		}
		visited[id] = true
		count++
		for _, c := range r.branches[id].Children {
			cb := r.Branch(c)
			if cb == nil {
				return &MalformedError{Name: r.Name, Reason: fmt.Sprintf("branch %d has unknown child %d", id, c)}
			}
			if cb.Parent != id {
				return &MalformedError{Name: r.Name, Reason: fmt.Sprintf("branch %d child %d points at parent %d", id, c, cb.Parent)}
			}
			stack = append(stack, c)
		}
	}
	if count != len(r.branches) {
		return &MalformedError{Name: r.Name, Reason: fmt.Sprintf("%d of %d containers unreachable from root", len(r.branches)-count, len(r.branches))}
	}
	return nil
}

// ToSegments rebuilds a NeuronSegment tree from the current containers.
func (r *Reconstruction) ToSegments() *NeuronSegment {
	if r.Branch(r.Root) == nil {
		return nil
	}
	var build func(id BranchID) *NeuronSegment
	build = func(id BranchID) *NeuronSegment {
		b := r.branches[id]
		seg := &NeuronSegment{Markers: append([]Marker(nil), b.Markers...)}
		for _, c := range b.Children {
			seg.Children = append(seg.Children, build(c))
		}
		return seg
	}
	return build(r.Root)
}

// scale multiplies every marker coordinate and radius by factor once.
func (r *Reconstruction) scale(factor float64) {
	if r.scaled || factor == 1 || factor <= 0 {
		r.scaled = true
		return
	}
	for _, b := range r.branches {
		for i := range b.Markers {
			b.Markers[i].X *= factor
			b.Markers[i].Y *= factor
			b.Markers[i].Z *= factor
			b.Markers[i].Radius *= factor
		}
	}
	r.scaled = true
}
