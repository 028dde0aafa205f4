package mesh

import (
	"testing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// line returns n markers 1µm apart starting at (x, y, z) and stepping along
// (dx, dy, dz).
func line(x, y, z, dx, dy, dz float64, n int) []Marker {
	out := make([]Marker, n)
	for i := range out {
		f := float64(i)
		out[i] = Marker{X: x + f*dx, Y: y + f*dy, Z: z + f*dz, Radius: 0.5}
	}
	return out
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// index encoding
// ---------------------------------------------------------------------------

func TestXYZToIndex_RoundTrip(t *testing.T) {
	tests := [][3]int{
		{0, 0, 0},
		{1, 2, 3},
		{-1, -2, -3},
		{-1, 0, 1},
		{1<<20 - 1, -(1<<20 - 1), 12345},
		{-(1 << 20), 0, 1<<20 - 1},
	}
	for _, c := range tests {
		x, y, z := IndexToXYZ(XYZToIndex(c[0], c[1], c[2]))
		if x != c[0] || y != c[1] || z != c[2] {
			t.Errorf("round trip of %v = (%d, %d, %d)", c, x, y, z)
		}
	}
}

func TestXYZToIndex_Distinct(t *testing.T) {
	seen := make(map[int64][3]int)
	for x := -3; x <= 3; x++ {
		for y := -3; y <= 3; y++ {
			for z := -3; z <= 3; z++ {
				idx := XYZToIndex(x, y, z)
				if prev, ok := seen[idx]; ok {
					t.Fatalf("index collision between %v and %v", prev, [3]int{x, y, z})
				}
				seen[idx] = [3]int{x, y, z}
			}
		}
	}
}

func TestQuadrant(t *testing.T) {
	tests := []struct {
		x, y, z int
		want    uint8
	}{
		{0, 0, 0, 0},
		{-1, 0, 0, 1},
		{0, -1, 0, 2},
		{0, 0, -1, 4},
		{-1, -1, -1, 7},
	}
	for _, tt := range tests {
		if got := quadrant(tt.x, tt.y, tt.z); got != tt.want {
			t.Errorf("quadrant(%d,%d,%d) = %d, want %d", tt.x, tt.y, tt.z, got, tt.want)
		}
	}
}

func TestCubeCoords_Negative(t *testing.T) {
	b := NewBinning(4, 1)
	x, y, z := b.CubeCoords(Marker{X: -0.5, Y: 3.9, Z: 4})
	if x != -1 || y != 0 || z != 1 {
		t.Errorf("CubeCoords = (%d, %d, %d), want (-1, 0, 1)", x, y, z)
	}
}

func TestNewBinning_Defaults(t *testing.T) {
	b := NewBinning(0, 0)
	if b.CubeSize() != DefaultRegisterCubeSize {
		t.Errorf("CubeSize = %g, want %g", b.CubeSize(), DefaultRegisterCubeSize)
	}
	if b.sampleRate != DefaultMarkerSampleRate {
		t.Errorf("sampleRate = %d, want %d", b.sampleRate, DefaultMarkerSampleRate)
	}
}

// ---------------------------------------------------------------------------
// registration
// ---------------------------------------------------------------------------

func TestBinBranch_RegistersNeighbourhood(t *testing.T) {
	b := NewBinning(4, 1)
	owner := ReconstructionOwner(0)
	b.BinBranch(owner, 7, []Marker{{X: 5, Y: 5, Z: 5}})

	if b.Len() != 27 {
		t.Fatalf("Len = %d, want 27", b.Len())
	}
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				pc := b.Cube(XYZToIndex(1+dx, 1+dy, 1+dz))
				if pc == nil {
					t.Fatalf("missing cube (%d,%d,%d)", 1+dx, 1+dy, 1+dz)
				}
				if got := pc.Segments(owner); len(got) != 1 || got[0] != 7 {
					t.Errorf("cube (%d,%d,%d) segments = %v, want [7]", 1+dx, 1+dy, 1+dz, got)
				}
			}
		}
	}
	if got := b.SearchCubes(owner, 7); len(got) != 1 || got[0] != XYZToIndex(1, 1, 1) {
		t.Errorf("SearchCubes = %v, want only the own cube", got)
	}
}

func TestBinBranch_EveryMarkerCubeIsSearched(t *testing.T) {
	b := NewBinning(4, 1)
	owner := ReconstructionOwner(0)
	markers := line(0, 0, 0, 1, 0, 0, 20)
	b.BinBranch(owner, 0, markers)

	search := make(map[int64]bool)
	for _, idx := range b.SearchCubes(owner, 0) {
		search[idx] = true
	}
	for _, m := range markers {
		if !search[b.CubeIndex(m)] {
			t.Errorf("cube of marker %+v is not searched", m)
		}
		if !containsInt(b.NearbySegmentsForMarker(m, owner), 0) {
			t.Errorf("marker %+v does not find its own segment", m)
		}
	}
}

func TestBinBranch_SampleRateKeepsLastMarker(t *testing.T) {
	b := NewBinning(4, 5)
	owner := ReconstructionOwner(0)
	markers := line(0, 0, 0, 1, 0, 0, 21)
	b.BinBranch(owner, 0, markers)

	last := markers[len(markers)-1]
	found := false
	for _, idx := range b.SearchCubes(owner, 0) {
		if idx == b.CubeIndex(last) {
			found = true
		}
	}
	if !found {
		t.Error("last marker cube should always be searched")
	}
}

func TestBinBranch_RebinReplaces(t *testing.T) {
	b := NewBinning(4, 1)
	owner := ReconstructionOwner(0)
	b.BinBranch(owner, 0, []Marker{{X: 0}})
	b.BinBranch(owner, 0, []Marker{{X: 100}})

	if got := b.NearbySegmentsForMarker(Marker{X: 0}, owner); len(got) != 0 {
		t.Errorf("old registration still present: %v", got)
	}
	if got := b.NearbySegmentsForMarker(Marker{X: 100}, owner); !containsInt(got, 0) {
		t.Errorf("new registration missing: %v", got)
	}
}

func TestUnbinBranch_Idempotent(t *testing.T) {
	b := NewBinning(4, 1)
	owner := ReconstructionOwner(0)
	b.BinBranch(owner, 1, line(0, 0, 0, 1, 0, 0, 5))
	b.BinBranch(owner, 2, line(0, 1, 0, 1, 0, 0, 5))

	b.UnbinBranch(owner, 1)
	b.UnbinBranch(owner, 1)

	got := b.NearbySegmentsForMarker(Marker{X: 1, Y: 1}, owner)
	if containsInt(got, 1) {
		t.Errorf("segment 1 still registered: %v", got)
	}
	if !containsInt(got, 2) {
		t.Errorf("segment 2 lost after unbinning segment 1: %v", got)
	}

	b.UnbinBranch(owner, 2)
	if b.Len() != 0 {
		t.Errorf("Len = %d after unbinning everything, want 0", b.Len())
	}
}

func TestRemoveOwner(t *testing.T) {
	b := NewBinning(4, 1)
	recon := ReconstructionOwner(3)
	b.BinBranch(recon, 0, line(0, 0, 0, 1, 0, 0, 10))
	b.BinBranch(recon, 1, line(0, 0, 0, 0, 1, 0, 10))
	b.BinBranch(CompositeOwner, 0, line(0, 0, 0, 1, 0, 0, 10))

	b.RemoveOwner(recon)

	if got := b.NearbySegments(CompositeOwner, 0, recon); len(got) != 0 {
		t.Errorf("reconstruction segments remain: %v", got)
	}
	if got := b.NearbySegments(CompositeOwner, 0, CompositeOwner); !containsInt(got, 0) {
		t.Errorf("composite registration lost: %v", got)
	}
}

// ---------------------------------------------------------------------------
// queries
// ---------------------------------------------------------------------------

func TestNearbySegments(t *testing.T) {
	b := NewBinning(4, 1)
	recon := ReconstructionOwner(0)
	b.BinBranch(recon, 0, line(0, 0, 0, 1, 0, 0, 10))
	b.BinBranch(CompositeOwner, 0, line(0, 1, 0, 1, 0, 0, 10))   // parallel, 1µm away
	b.BinBranch(CompositeOwner, 1, line(100, 0, 0, 1, 0, 0, 10)) // far away

	got := b.NearbySegments(recon, 0, CompositeOwner)
	if !containsInt(got, 0) {
		t.Errorf("nearby composite branch not found: %v", got)
	}
	if containsInt(got, 1) {
		t.Errorf("distant composite branch reported: %v", got)
	}
}

func TestNearbySegments_OneCubeAway(t *testing.T) {
	b := NewBinning(4, 1)
	recon := ReconstructionOwner(0)
	b.BinBranch(recon, 0, []Marker{{X: 1}})
	// Next cube along x, within one cube edge.
	b.BinBranch(CompositeOwner, 5, []Marker{{X: 5}})
	// Two cubes away.
	b.BinBranch(CompositeOwner, 6, []Marker{{X: 9}})

	got := b.NearbySegments(recon, 0, CompositeOwner)
	if !containsInt(got, 5) {
		t.Errorf("neighbouring cube not searched: %v", got)
	}
	if containsInt(got, 6) {
		t.Errorf("cube two away reported: %v", got)
	}
}

func TestReached(t *testing.T) {
	b := NewBinning(4, 1)
	recon := ReconstructionOwner(1)
	b.BinBranch(CompositeOwner, 0, line(0, 0, 0, 1, 0, 0, 8))
	b.BinBranch(CompositeOwner, 1, line(50, 0, 0, 1, 0, 0, 8))
	b.BinBranch(recon, 0, line(0, 2, 0, 1, 0, 0, 8))

	if !b.Reached(CompositeOwner, 0, recon) {
		t.Error("composite branch 0 should be reached")
	}
	if b.Reached(CompositeOwner, 1, recon) {
		t.Error("composite branch 1 should not be reached")
	}
}
