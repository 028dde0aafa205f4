package mesh

import (
	"fmt"
	"sort"
)

// CompositeBranchContainer is one branch of the running consensus. Numerator
// counts the (confidence-weighted) votes it received, Denominator the votes
// it could have received: every incorporated reconstruction whose bins
// reached it.
type CompositeBranchContainer struct {
	ID          CompositeID   `json:"id"`
	Markers     []Marker      `json:"markers"`
	Parent      CompositeID   `json:"parent"`
	Children    []CompositeID `json:"children"`
	Numerator   float64       `json:"numerator"`
	Denominator float64       `json:"denominator"`
	// Origin is the ID of the reconstruction that introduced the branch.
	Origin int `json:"origin"`
}

// Confidence returns Numerator/Denominator, or 0 before any vote.
func (c *CompositeBranchContainer) Confidence() float64 {
	if c.Denominator <= 0 {
		return 0
	}
	return c.Numerator / c.Denominator
}

// Connection is a voted parent/child link between composite branches.
type Connection struct {
	Parent CompositeID `json:"parent"`
	Child  CompositeID `json:"child"`
	Votes  float64     `json:"votes"`
}

// Composite owns every branch created during a run. Branches are never
// removed; a split keeps the original handle for the proximal part.
type Composite struct {
	branches []*CompositeBranchContainer
	// incoming[child][parent] = votes
	incoming map[CompositeID]map[CompositeID]float64
}

// NewComposite returns an empty composite.
func NewComposite() *Composite {
	return &Composite{
		incoming: make(map[CompositeID]map[CompositeID]float64),
	}
}

// Len returns the number of composite branches.
func (c *Composite) Len() int {
	return len(c.branches)
}

// Branch returns the branch for id, or nil for an unknown handle.
func (c *Composite) Branch(id CompositeID) *CompositeBranchContainer {
	if id < 0 || int(id) >= len(c.branches) {
		return nil
	}
	return c.branches[id]
}

// Branches returns every branch in arena order.
func (c *Composite) Branches() []*CompositeBranchContainer {
	return c.branches
}

// Roots returns the branches without a parent, in arena order.
func (c *Composite) Roots() []CompositeID {
	var roots []CompositeID
	for _, b := range c.branches {
		if b.Parent == NoBranch {
			roots = append(roots, b.ID)
		}
	}
	return roots
}

// AddBranch appends a new unconnected branch that has one vote of weight w
// out of one possible.
func (c *Composite) AddBranch(markers []Marker, origin int, w float64) CompositeID {
	id := CompositeID(len(c.branches))
	c.branches = append(c.branches, &CompositeBranchContainer{
		ID:          id,
		Markers:     append([]Marker(nil), markers...),
		Parent:      NoBranch,
		Numerator:   w,
		Denominator: w,
		Origin:      origin,
	})
	return id
}

// SplitBranch cuts branch id before marker idx. The original keeps markers
// [0, idx), its handle, parent and votes; the new tail takes [idx, n), a copy
// of the votes, the children and every connection leaving the original.
// The internal link receives the branch numerator as votes.
func (c *Composite) SplitBranch(id CompositeID, idx int) (CompositeID, error) {
	b := c.Branch(id)
	if b == nil {
		return NoBranch, fmt.Errorf("split composite branch %d: %w", id, ErrBranchNotFound)
	}
	if idx <= 0 || idx >= len(b.Markers) {
		return NoBranch, fmt.Errorf("split composite branch %d at %d: index outside (0,%d)", id, idx, len(b.Markers))
	}

	tid := CompositeID(len(c.branches))
	tail := &CompositeBranchContainer{
		ID:          tid,
		Markers:     append([]Marker(nil), b.Markers[idx:]...),
		Parent:      id,
		Children:    b.Children,
		Numerator:   b.Numerator,
		Denominator: b.Denominator,
		Origin:      b.Origin,
	}
	c.branches = append(c.branches, tail)
	b.Markers = append([]Marker(nil), b.Markers[:idx]...)
	b.Children = []CompositeID{tid}

	for _, ch := range tail.Children {
		c.branches[ch].Parent = tid
	}
	// Connections leave from the end of a branch, which now belongs to tail.
	for _, parents := range c.incoming {
		if v, ok := parents[id]; ok {
			delete(parents, id)
			parents[tid] += v
		}
	}
	c.incoming[tid] = map[CompositeID]float64{id: b.Numerator}

	return tid, nil
}

// Vote adds w to the connection parent→child and re-evaluates the child's
// parent: the best-voted connection that does not create a cycle wins, and
// the current parent is kept on ties.
func (c *Composite) Vote(parent, child CompositeID, w float64) {
	if parent == child || c.Branch(parent) == nil || c.Branch(child) == nil {
		return
	}
	parents := c.incoming[child]
	if parents == nil {
		parents = make(map[CompositeID]float64)
		c.incoming[child] = parents
	}
	parents[parent] += w
	c.updateParent(child)
}

// ConnectionVotes returns the votes recorded for parent→child.
func (c *Composite) ConnectionVotes(parent, child CompositeID) float64 {
	return c.incoming[child][parent]
}

// ConnectionConfidence returns the votes of the link from child to its
// current parent divided by the child's denominator.
func (c *Composite) ConnectionConfidence(child CompositeID) float64 {
	b := c.Branch(child)
	if b == nil || b.Parent == NoBranch || b.Denominator <= 0 {
		return 0
	}
	return c.ConnectionVotes(b.Parent, child) / b.Denominator
}

// Connections lists every voted link ordered by child then parent.
func (c *Composite) Connections() []Connection {
	var out []Connection
	for child, parents := range c.incoming {
		for parent, v := range parents {
			out = append(out, Connection{Parent: parent, Child: child, Votes: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Child != out[j].Child {
			return out[i].Child < out[j].Child
		}
		return out[i].Parent < out[j].Parent
	})
	return out
}

func (c *Composite) updateParent(child CompositeID) {
	b := c.branches[child]
	best := b.Parent
	bestVotes := -1.0
	if best != NoBranch {
		bestVotes = c.incoming[child][best]
	}

	candidates := make([]CompositeID, 0, len(c.incoming[child]))
	for p := range c.incoming[child] {
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for _, p := range candidates {
		v := c.incoming[child][p]
		if v > bestVotes && !c.isAncestor(child, p) {
			best, bestVotes = p, v
		}
	}
	if best != b.Parent {
		c.setParent(child, best)
	}
}

// isAncestor reports whether a is an ancestor of (or equal to) b.
func (c *Composite) isAncestor(a, b CompositeID) bool {
	for steps := 0; b != NoBranch && steps <= len(c.branches); steps++ {
		if b == a {
			return true
		}
		b = c.branches[b].Parent
	}
	return false
}

func (c *Composite) setParent(child, parent CompositeID) {
	b := c.branches[child]
	if b.Parent != NoBranch {
		old := c.branches[b.Parent]
		for i, ch := range old.Children {
			if ch == child {
				old.Children = append(old.Children[:i], old.Children[i+1:]...)
				break
			}
		}
	}
	b.Parent = parent
	if parent != NoBranch {
		p := c.branches[parent]
		p.Children = append(p.Children, child)
	}
}
