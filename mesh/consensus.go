package mesh

import (
	"encoding/json"
	"sort"
)

// ConsensusBranch is a composite branch that passed extraction.
type ConsensusBranch struct {
	ID       CompositeID   `json:"id"`
	Parent   CompositeID   `json:"parent"`
	Children []CompositeID `json:"children,omitempty"`
	Markers  []Marker      `json:"markers"`

	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
	Confidence  float64 `json:"confidence"`
	// Votes and ConnectionConfidence describe the link to the composite
	// parent; both are zero for composite roots.
	Votes                float64 `json:"votes"`
	ConnectionConfidence float64 `json:"connectionConfidence"`
}

// Consensus is the thresholded tree extracted from a composite.
type Consensus struct {
	Threshold Threshold          `json:"threshold"`
	Roots     []CompositeID      `json:"roots"`
	Branches  []*ConsensusBranch `json:"branches"`

	byID map[CompositeID]*ConsensusBranch
}

// ExtractConsensus keeps the composite branches accepted by t. A kept branch
// hangs from its nearest kept ancestor when the votes of its own parent link
// also pass t; otherwise it becomes a root.
func ExtractConsensus(c *Composite, t Threshold) *Consensus {
	cons := &Consensus{
		Threshold: t,
		Branches:  []*ConsensusBranch{},
		byID:      make(map[CompositeID]*ConsensusBranch),
	}

	for _, b := range c.Branches() {
		if !t.Accepts(b.Numerator, b.Denominator) {
			continue
		}
		cb := &ConsensusBranch{
			ID:          b.ID,
			Parent:      NoBranch,
			Markers:     append([]Marker(nil), b.Markers...),
			Numerator:   b.Numerator,
			Denominator: b.Denominator,
			Confidence:  b.Confidence(),
		}
		if b.Parent != NoBranch {
			cb.Votes = c.ConnectionVotes(b.Parent, b.ID)
			cb.ConnectionConfidence = c.ConnectionConfidence(b.ID)
		}
		cons.Branches = append(cons.Branches, cb)
		cons.byID[b.ID] = cb
	}

	for _, cb := range cons.Branches {
		src := c.Branch(cb.ID)
		if src.Parent == NoBranch || !t.Accepts(cb.Votes, cb.Denominator) {
			cons.Roots = append(cons.Roots, cb.ID)
			continue
		}
		anc := src.Parent
		for anc != NoBranch && cons.byID[anc] == nil {
			anc = c.Branch(anc).Parent
		}
		if anc == NoBranch {
			cons.Roots = append(cons.Roots, cb.ID)
			continue
		}
		cb.Parent = anc
		p := cons.byID[anc]
		p.Children = append(p.Children, cb.ID)
	}
	for _, cb := range cons.Branches {
		sort.Slice(cb.Children, func(i, j int) bool { return cb.Children[i] < cb.Children[j] })
	}
	return cons
}

// Len returns the number of kept branches.
func (c *Consensus) Len() int { return len(c.Branches) }

// Empty reports whether nothing passed the threshold.
func (c *Consensus) Empty() bool { return len(c.Branches) == 0 }

// Branch returns the kept branch with id, or nil.
func (c *Consensus) Branch(id CompositeID) *ConsensusBranch {
	return c.byID[id]
}

// MarkerCount returns the number of markers across all kept branches.
func (c *Consensus) MarkerCount() int {
	n := 0
	for _, b := range c.Branches {
		n += len(b.Markers)
	}
	return n
}

// ToSegments converts each consensus tree into a NeuronSegment tree, one per
// root.
func (c *Consensus) ToSegments() []*NeuronSegment {
	var out []*NeuronSegment
	for _, root := range c.Roots {
		var build func(id CompositeID) *NeuronSegment
		build = func(id CompositeID) *NeuronSegment {
			b := c.byID[id]
			seg := &NeuronSegment{Markers: append([]Marker(nil), b.Markers...)}
			for _, ch := range b.Children {
				seg.Children = append(seg.Children, build(ch))
			}
			return seg
		}
		out = append(out, build(root))
	}
	return out
}

// MarshalJSON encodes the consensus for HTTP and MQTT consumers.
func (c *Consensus) MarshalJSON() ([]byte, error) {
	type alias Consensus
	return json.Marshal((*alias)(c))
}

// UnmarshalJSON restores a consensus including its lookup index.
func (c *Consensus) UnmarshalJSON(data []byte) error {
	type alias Consensus
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	c.byID = make(map[CompositeID]*ConsensusBranch, len(c.Branches))
	for _, b := range c.Branches {
		c.byID[b.ID] = b
	}
	return nil
}
