package mesh

import "fmt"

// Marker is a 3-D skeleton point with a radius. Coordinates are in microns
// once a reconstruction has been preprocessed.
type Marker struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Radius float64 `json:"r"`
}

// NeuronSegment is one branch of an input skeleton: an ordered run of markers
// between two decision points, with the segments that continue from its end.
// It is the format produced by loaders and consumed by NewReconstruction.
type NeuronSegment struct {
	Markers  []Marker
	Children []*NeuronSegment
}

// BranchID is a handle into a Reconstruction's branch arena.
type BranchID int

// CompositeID is a handle into a Composite's branch arena.
type CompositeID int

// NoBranch marks an absent parent or match link.
const NoBranch = -1

// OwnerKind tags which structure a binned segment belongs to.
type OwnerKind uint8

const (
	OwnerReconstruction OwnerKind = iota
	OwnerComposite
)

// Owner identifies a reconstruction or the composite in the binning registry.
type Owner struct {
	Kind OwnerKind
	ID   int
}

// ReconstructionOwner returns the registry key for the reconstruction with id.
func ReconstructionOwner(id int) Owner {
	return Owner{Kind: OwnerReconstruction, ID: id}
}

// CompositeOwner is the registry key of the running composite.
var CompositeOwner = Owner{Kind: OwnerComposite}

func (o Owner) String() string {
	if o.Kind == OwnerComposite {
		return "composite"
	}
	return fmt.Sprintf("reconstruction/%d", o.ID)
}

// Range is an inclusive marker index range within one branch.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of markers in the range; empty ranges return 0.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Overlaps reports whether two ranges share at least one marker index.
func (r Range) Overlaps(o Range) bool {
	return r.Len() > 0 && o.Len() > 0 && r.Start <= o.End && o.Start <= r.End
}

// Contains reports whether idx lies inside the range.
func (r Range) Contains(idx int) bool {
	return idx >= r.Start && idx <= r.End
}

// Side selects one half of a match: the reconstruction branch or the
// composite branch.
type Side uint8

const (
	SideReconstruction Side = iota
	SideComposite
)

func (s Side) String() string {
	if s == SideComposite {
		return "composite"
	}
	return "reconstruction"
}

// NodeTypeBasis selects what the SWC node type column encodes on export.
type NodeTypeBasis uint8

const (
	// NodeTypeBranchConfidence writes the branch vote confidence.
	NodeTypeBranchConfidence NodeTypeBasis = iota
	// NodeTypeConnectionConfidence writes the confidence of the link to the
	// parent branch.
	NodeTypeConnectionConfidence
)

// ThresholdKind selects how a confidence threshold is interpreted.
type ThresholdKind uint8

const (
	// ThresholdProportion compares numerator/denominator against the value.
	ThresholdProportion ThresholdKind = iota
	// ThresholdVotes compares the raw numerator against the value.
	ThresholdVotes
)

// Threshold is a branch/connection acceptance rule for consensus extraction.
type Threshold struct {
	Value float64       `json:"value"`
	Kind  ThresholdKind `json:"kind"`
}

// Accepts reports whether a numerator/denominator pair passes the threshold.
func (t Threshold) Accepts(numerator, denominator float64) bool {
	if t.Kind == ThresholdVotes {
		return numerator >= t.Value
	}
	if denominator <= 0 {
		return false
	}
	return numerator/denominator >= t.Value
}
