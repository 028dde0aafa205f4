package mesh

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Projection selects the two axes a skeleton is drawn on.
type Projection string

const (
	ProjectionXY Projection = "xy"
	ProjectionXZ Projection = "xz"
	ProjectionYZ Projection = "yz"
)

// ParseProjection accepts xy, xz or yz in any case.
func ParseProjection(s string) (Projection, error) {
	switch p := Projection(strings.ToLower(s)); p {
	case ProjectionXY, ProjectionXZ, ProjectionYZ:
		return p, nil
	case "":
		return ProjectionXY, nil
	default:
		return "", fmt.Errorf("unknown projection %q", s)
	}
}

// project maps a marker onto the projection plane.
func (p Projection) project(m Marker) orb.Point {
	switch p {
	case ProjectionXZ:
		return orb.Point{m.X, m.Z}
	case ProjectionYZ:
		return orb.Point{m.Y, m.Z}
	default:
		return orb.Point{m.X, m.Y}
	}
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// ConfidenceColor maps a confidence in [0,1] onto a red to green ramp.
func ConfidenceColor(c float64) color.NRGBA {
	c = math.Max(0, math.Min(1, c))
	return color.NRGBA{
		R: uint8(math.Round(220 * (1 - c))),
		G: uint8(math.Round(60 + 140*c)),
		B: 40,
		A: 255,
	}
}

// VectorRenderer draws a consensus as a 2-D projection, colouring each
// branch by its confidence.
type VectorRenderer struct {
	Consensus  *Consensus
	Projection Projection
	Padding    float64           // Padding in microns
	Resolution canvas.Resolution // Resolution for PNG output
	// StrokeWidth is the minimum line width in microns; branches are drawn
	// at least as wide as their mean marker diameter.
	StrokeWidth float64
	// SimplifyTolerance is the Douglas-Peucker tolerance in microns; 0
	// draws every marker.
	SimplifyTolerance float64
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(cons *Consensus, projection Projection) *VectorRenderer {
	return &VectorRenderer{
		Consensus:         cons,
		Projection:        projection,
		Padding:           10.0,
		Resolution:        canvas.DPI(150),
		StrokeWidth:       0.5,
		SimplifyTolerance: 0.25,
	}
}

// NewVectorRendererFromConfig applies the render section of the config.
func NewVectorRendererFromConfig(cons *Consensus, rc RenderConfig) (*VectorRenderer, error) {
	proj, err := ParseProjection(rc.Projection)
	if err != nil {
		return nil, err
	}
	r := NewVectorRenderer(cons, proj)
	if rc.Padding > 0 {
		r.Padding = rc.Padding
	}
	if rc.Resolution > 0 {
		r.Resolution = canvas.DPI(rc.Resolution)
	}
	return r, nil
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// projectedBranch is one branch flattened onto the projection plane.
type projectedBranch struct {
	line       orb.LineString
	confidence float64
	width      float64
}

func (r *VectorRenderer) projectBranches() ([]projectedBranch, orb.Bound) {
	var out []projectedBranch
	var bound orb.Bound
	first := true
	for _, b := range r.Consensus.Branches {
		if len(b.Markers) == 0 {
			continue
		}
		ls := make(orb.LineString, 0, len(b.Markers))
		var radius float64
		for _, m := range b.Markers {
			ls = append(ls, r.Projection.project(m))
			radius += m.Radius
		}
		radius /= float64(len(b.Markers))

		if r.SimplifyTolerance > 0 && len(ls) > 2 {
			if s, ok := simplify.DouglasPeucker(r.SimplifyTolerance).Simplify(ls.Clone()).(orb.LineString); ok && len(s) >= 2 {
				ls = s
			}
		}
		if first {
			bound = ls.Bound()
			first = false
		} else {
			bound = bound.Union(ls.Bound())
		}
		out = append(out, projectedBranch{
			line:       ls,
			confidence: b.Confidence,
			width:      math.Max(r.StrokeWidth, 2*radius),
		})
	}
	return out, bound
}

func (r *VectorRenderer) canvasSize(bound orb.Bound) (width, height float64) {
	width = bound.Max[0] - bound.Min[0] + 2*r.Padding
	height = bound.Max[1] - bound.Min[1] + 2*r.Padding
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	return width, height
}

// RenderToSVG writes the consensus as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	branches, bound := r.projectBranches()
	width, height := r.canvasSize(bound)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, branches, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the consensus as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	return png.Encode(w, r.rasterize())
}

func (r *VectorRenderer) rasterize() *rasterizer.Rasterizer {
	branches, bound := r.projectBranches()
	width, height := r.canvasSize(bound)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, branches, bound, width, height)
	return rast
}

// renderToCanvas draws the branches (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, branches []projectedBranch, bound orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return (p[0] - bound.Min[0]) + r.Padding, (p[1] - bound.Min[1]) + r.Padding
	}

	// Low confidence first so well supported branches end up on top.
	order := make([]int, len(branches))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return branches[order[a]].confidence < branches[order[b]].confidence
	})

	for _, i := range order {
		b := branches[i]
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(ConfidenceColor(b.confidence))}
		style.StrokeWidth = b.width

		cp := &canvas.Path{}
		for k, pt := range b.line {
			cx, cy := toCanvas(pt)
			if k == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		if len(b.line) == 1 {
			cp = canvas.Circle(b.width / 2).Translate(toCanvas(b.line[0]))
			style.Fill = style.Stroke
		}
		renderer.RenderPath(cp, style, canvas.Identity)
	}
}
