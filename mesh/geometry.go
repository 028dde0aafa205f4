package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec returns the marker position as a gonum vector.
func (m Marker) Vec() r3.Vec {
	return r3.Vec{X: m.X, Y: m.Y, Z: m.Z}
}

// Distance returns the Euclidean distance between two markers.
func Distance(a, b Marker) float64 {
	return r3.Norm(r3.Sub(a.Vec(), b.Vec()))
}

// PointSegmentDistance returns the distance from p to the segment [a, b].
// A degenerate segment (a == b) falls back to the point distance.
func PointSegmentDistance(p, a, b Marker) float64 {
	ab := r3.Sub(b.Vec(), a.Vec())
	l2 := r3.Norm2(ab)
	if l2 == 0 {
		return Distance(p, a)
	}
	t := r3.Dot(r3.Sub(p.Vec(), a.Vec()), ab) / l2
	t = math.Max(0, math.Min(1, t))
	closest := r3.Add(a.Vec(), r3.Scale(t, ab))
	return r3.Norm(r3.Sub(p.Vec(), closest))
}

// SegmentSegmentDistance returns the minimum distance between segments
// [a0, a1] and [b0, b1].
func SegmentSegmentDistance(a0, a1, b0, b1 Marker) float64 {
	u := r3.Sub(a1.Vec(), a0.Vec())
	v := r3.Sub(b1.Vec(), b0.Vec())
	w := r3.Sub(a0.Vec(), b0.Vec())

	a := r3.Dot(u, u)
	b := r3.Dot(u, v)
	c := r3.Dot(v, v)
	d := r3.Dot(u, w)
	e := r3.Dot(v, w)

	if a == 0 || c == 0 {
		// At least one segment is a point.
		return math.Min(
			math.Min(PointSegmentDistance(a0, b0, b1), PointSegmentDistance(a1, b0, b1)),
			math.Min(PointSegmentDistance(b0, a0, a1), PointSegmentDistance(b1, a0, a1)),
		)
	}

	denom := a*c - b*b
	var s, t float64
	if denom < 1e-12 {
		// Parallel segments.
		s = 0
		t = e / c
	} else {
		s = (b*e - c*d) / denom
		t = (a*e - b*d) / denom
	}
	s = math.Max(0, math.Min(1, s))
	t = math.Max(0, math.Min(1, t))

	// Re-project once after clamping.
	t = math.Max(0, math.Min(1, (b*s+e)/c))
	s = math.Max(0, math.Min(1, (b*t-d)/a))

	pa := r3.Add(a0.Vec(), r3.Scale(s, u))
	pb := r3.Add(b0.Vec(), r3.Scale(t, v))
	return r3.Norm(r3.Sub(pa, pb))
}

// PathLength returns the summed distance between consecutive markers.
func PathLength(markers []Marker) float64 {
	var total float64
	for i := 1; i < len(markers); i++ {
		total += Distance(markers[i-1], markers[i])
	}
	return total
}

// direction returns the unit vector from the first marker towards the marker
// at most lookahead steps later. The zero vector is returned for degenerate
// input.
func direction(markers []Marker, lookahead int) r3.Vec {
	if len(markers) < 2 {
		return r3.Vec{}
	}
	end := lookahead
	if end >= len(markers) {
		end = len(markers) - 1
	}
	if end < 1 {
		end = 1
	}
	d := r3.Sub(markers[end].Vec(), markers[0].Vec())
	if r3.Norm2(d) == 0 {
		return r3.Vec{}
	}
	return r3.Unit(d)
}

// tailDirection is direction for the last markers of a branch, pointing
// towards its end.
func tailDirection(markers []Marker, lookback int) r3.Vec {
	if len(markers) < 2 {
		return r3.Vec{}
	}
	start := len(markers) - 1 - lookback
	if start < 0 {
		start = 0
	}
	if start == len(markers)-1 {
		start = len(markers) - 2
	}
	d := r3.Sub(markers[len(markers)-1].Vec(), markers[start].Vec())
	if r3.Norm2(d) == 0 {
		return r3.Vec{}
	}
	return r3.Unit(d)
}

// azimuth returns the angle of dir around axis, measured in the plane
// perpendicular to axis. It is used to order sibling branches consistently
// across reconstructions.
func azimuth(axis, dir r3.Vec) float64 {
	if r3.Norm2(axis) == 0 {
		axis = r3.Vec{Z: 1}
	}
	// Pick the world axis least aligned with the parent axis as reference.
	ref := r3.Vec{X: 1}
	if math.Abs(axis.X) > 0.9 {
		ref = r3.Vec{Y: 1}
	}
	u := r3.Unit(r3.Cross(axis, ref))
	v := r3.Cross(axis, u)
	return math.Atan2(r3.Dot(dir, v), r3.Dot(dir, u))
}
