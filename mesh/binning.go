package mesh

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultRegisterCubeSize is the default edge length of a registration cube
// in microns.
const DefaultRegisterCubeSize = 4.0

// DefaultMarkerSampleRate registers every marker of a segment.
const DefaultMarkerSampleRate = 1

// axisBits is the number of bits each zigzag-encoded axis occupies in a cube
// index. Axis values must satisfy |v| < 1<<(axisBits-1).
const axisBits = 21

const axisMask = 1<<axisBits - 1

// XYZToIndex packs integer cube coordinates into a single index.
// Each axis is zigzag encoded so negative coordinates round-trip.
func XYZToIndex(x, y, z int) int64 {
	return zigzag(x) | zigzag(y)<<axisBits | zigzag(z)<<(2*axisBits)
}

// IndexToXYZ is the inverse of XYZToIndex.
func IndexToXYZ(idx int64) (x, y, z int) {
	return unzigzag(idx & axisMask),
		unzigzag((idx >> axisBits) & axisMask),
		unzigzag((idx >> (2 * axisBits)) & axisMask)
}

func zigzag(v int) int64 {
	w := int64(v)
	return ((w << 1) ^ (w >> 63)) & axisMask
}

func unzigzag(u int64) int {
	return int((u >> 1) ^ -(u & 1))
}

// quadrant tags a cube with the octant its coordinates fall in: bit 0 is set
// for negative x, bit 1 for negative y and bit 2 for negative z.
func quadrant(x, y, z int) uint8 {
	var q uint8
	if x < 0 {
		q |= 1
	}
	if y < 0 {
		q |= 2
	}
	if z < 0 {
		q |= 4
	}
	return q
}

// PositionCube is one spatial bin. It holds, per owner, the handles of the
// segments registered in it or in one of its 26 neighbours.
type PositionCube struct {
	Index    int64
	Quadrant uint8
	// Position is the minimum corner of the cube in microns.
	Position r3.Vec
	segments map[Owner]*roaring.Bitmap
}

// Segments returns the handles registered for owner, sorted.
func (pc *PositionCube) Segments(owner Owner) []int {
	bm := pc.segments[owner]
	if bm == nil {
		return nil
	}
	return bitmapInts(bm)
}

type segKey struct {
	owner Owner
	id    int
}

// Binning partitions space into cubes of a fixed edge length and maps the
// segments of reconstructions and of the composite into them.
//
// A segment is inserted into the cube of each sampled marker and into that
// cube's 26 neighbours, so a query only has to look at the query segment's
// own cubes to find everything within one cube edge.
type Binning struct {
	cubeSize   float64
	sampleRate int
	cubes      map[int64]*PositionCube
	registered map[segKey][]int64
	search     map[segKey][]int64
}

// NewBinning creates an empty index. Non-positive arguments fall back to the
// defaults.
func NewBinning(cubeSize float64, sampleRate int) *Binning {
	if cubeSize <= 0 {
		cubeSize = DefaultRegisterCubeSize
	}
	if sampleRate <= 0 {
		sampleRate = DefaultMarkerSampleRate
	}
	return &Binning{
		cubeSize:   cubeSize,
		sampleRate: sampleRate,
		cubes:      make(map[int64]*PositionCube),
		registered: make(map[segKey][]int64),
		search:     make(map[segKey][]int64),
	}
}

// CubeSize returns the cube edge length.
func (b *Binning) CubeSize() float64 {
	return b.cubeSize
}

// CubeCoords returns the integer cube coordinates containing m.
func (b *Binning) CubeCoords(m Marker) (x, y, z int) {
	return int(math.Floor(m.X / b.cubeSize)),
		int(math.Floor(m.Y / b.cubeSize)),
		int(math.Floor(m.Z / b.cubeSize))
}

// CubeIndex returns the index of the cube containing m.
func (b *Binning) CubeIndex(m Marker) int64 {
	return XYZToIndex(b.CubeCoords(m))
}

// Cube returns the cube with the given index, or nil if nothing was ever
// registered there.
func (b *Binning) Cube(idx int64) *PositionCube {
	return b.cubes[idx]
}

// Len returns the number of live cubes.
func (b *Binning) Len() int {
	return len(b.cubes)
}

func (b *Binning) cube(x, y, z int) *PositionCube {
	idx := XYZToIndex(x, y, z)
	pc := b.cubes[idx]
	if pc == nil {
		pc = &PositionCube{
			Index:    idx,
			Quadrant: quadrant(x, y, z),
			Position: r3.Vec{
				X: float64(x) * b.cubeSize,
				Y: float64(y) * b.cubeSize,
				Z: float64(z) * b.cubeSize,
			},
			segments: make(map[Owner]*roaring.Bitmap),
		}
		b.cubes[idx] = pc
	}
	return pc
}

// sampledCubes returns the distinct cube coordinates of every sampleRate-th
// marker plus the last marker, in walk order.
func (b *Binning) sampledCubes(markers []Marker) [][3]int {
	var out [][3]int
	seen := make(map[[3]int]struct{})
	add := func(m Marker) {
		x, y, z := b.CubeCoords(m)
		c := [3]int{x, y, z}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for i := 0; i < len(markers); i += b.sampleRate {
		add(markers[i])
	}
	if len(markers) > 0 {
		add(markers[len(markers)-1])
	}
	return out
}

// BinBranch registers one segment. Re-binning an already registered segment
// replaces its previous registration.
func (b *Binning) BinBranch(owner Owner, id int, markers []Marker) {
	key := segKey{owner: owner, id: id}
	if _, ok := b.registered[key]; ok {
		b.UnbinBranch(owner, id)
	}

	own := b.sampledCubes(markers)
	searchIdx := make([]int64, 0, len(own))
	expanded := make(map[int64]struct{})
	var regIdx []int64

	for _, c := range own {
		searchIdx = append(searchIdx, XYZToIndex(c[0], c[1], c[2]))
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					pc := b.cube(c[0]+dx, c[1]+dy, c[2]+dz)
					if _, ok := expanded[pc.Index]; ok {
						continue
					}
					expanded[pc.Index] = struct{}{}
					regIdx = append(regIdx, pc.Index)
					bm := pc.segments[owner]
					if bm == nil {
						bm = roaring.New()
						pc.segments[owner] = bm
					}
					bm.Add(uint32(id))
				}
			}
		}
	}

	b.registered[key] = regIdx
	b.search[key] = searchIdx
}

// BinReconstruction registers every branch of r under its owner key.
func (b *Binning) BinReconstruction(r *Reconstruction) {
	owner := ReconstructionOwner(r.ID)
	for _, br := range r.Branches() {
		b.BinBranch(owner, int(br.ID), br.Markers)
	}
}

// UnbinBranch removes every registration of one segment. Other segments
// sharing its cubes are unaffected, and unbinning twice is a no-op.
func (b *Binning) UnbinBranch(owner Owner, id int) {
	key := segKey{owner: owner, id: id}
	for _, idx := range b.registered[key] {
		pc := b.cubes[idx]
		if pc == nil {
			continue
		}
		if bm := pc.segments[owner]; bm != nil {
			bm.Remove(uint32(id))
			if bm.IsEmpty() {
				delete(pc.segments, owner)
			}
		}
		if len(pc.segments) == 0 {
			delete(b.cubes, idx)
		}
	}
	delete(b.registered, key)
	delete(b.search, key)
}

// RemoveOwner drops every registration of owner.
func (b *Binning) RemoveOwner(owner Owner) {
	var ids []int
	for key := range b.registered {
		if key.owner == owner {
			ids = append(ids, key.id)
		}
	}
	for _, id := range ids {
		b.UnbinBranch(owner, id)
	}
}

// SearchCubes returns the precomputed cubes searched for a segment.
func (b *Binning) SearchCubes(owner Owner, id int) []int64 {
	return b.search[segKey{owner: owner, id: id}]
}

// NearbySegments returns the handles of target's segments registered in the
// search cubes of the given segment, sorted ascending.
func (b *Binning) NearbySegments(owner Owner, id int, target Owner) []int {
	union := roaring.New()
	for _, idx := range b.search[segKey{owner: owner, id: id}] {
		if pc := b.cubes[idx]; pc != nil {
			if bm := pc.segments[target]; bm != nil {
				union.Or(bm)
			}
		}
	}
	return bitmapInts(union)
}

// NearbySegmentsForMarker returns target's segments registered in the cube
// containing m.
func (b *Binning) NearbySegmentsForMarker(m Marker, target Owner) []int {
	pc := b.cubes[b.CubeIndex(m)]
	if pc == nil {
		return nil
	}
	return pc.Segments(target)
}

// Reached reports whether any search cube of the segment holds a
// registration of by. Because registrations include neighbours this is an
// inclusive test: a segment one cube away from by's markers counts.
func (b *Binning) Reached(owner Owner, id int, by Owner) bool {
	for _, idx := range b.search[segKey{owner: owner, id: id}] {
		if pc := b.cubes[idx]; pc != nil {
			if bm := pc.segments[by]; bm != nil && !bm.IsEmpty() {
				return true
			}
		}
	}
	return false
}

func bitmapInts(bm *roaring.Bitmap) []int {
	if bm.IsEmpty() {
		return nil
	}
	raw := bm.ToArray()
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out
}
