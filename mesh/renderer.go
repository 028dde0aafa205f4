package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// legendWidth is the width in pixels reserved right of the raster image.
const legendWidth = 150

// RenderPNGWithLegend rasterizes the consensus and appends a legend with the
// confidence ramp and the branch counts.
func (r *VectorRenderer) RenderPNGWithLegend(w io.Writer) error {
	return png.Encode(w, r.RenderImage())
}

// RenderImage returns the rasterized consensus with a legend panel.
func (r *VectorRenderer) RenderImage() *image.RGBA {
	rast := r.rasterize()
	b := rast.Bounds()

	height := b.Dy()
	if height < 120 {
		height = 120
	}
	img := image.NewRGBA(image.Rect(0, 0, b.Dx()+legendWidth, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{255, 255, 255, 255}), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, b.Dx(), b.Dy()), rast, b.Min, draw.Src)

	r.drawLegend(img, b.Dx()+10)
	return img
}

// SavePNG saves the rasterized consensus with legend to a file.
func (r *VectorRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.RenderPNGWithLegend(f)
}

// drawLegend adds the confidence ramp and summary labels at column x.
func (r *VectorRenderer) drawLegend(img *image.RGBA, x int) {
	black := color.RGBA{0, 0, 0, 255}
	y := 15
	drawText(img, x, y, "confidence", black)
	y += 8

	steps := []float64{1, 0.75, 0.5, 0.25, 0}
	for _, c := range steps {
		drawSquare(img, x+6, y+6, 12, nrgbaToRGBA(ConfidenceColor(c)))
		drawText(img, x+18, y+10, fmt.Sprintf("%3.0f%%", c*100), black)
		y += 16
	}

	y += 6
	drawText(img, x, y, fmt.Sprintf("branches %d", r.Consensus.Len()), black)
	y += 14
	drawText(img, x, y, fmt.Sprintf("trees    %d", len(r.Consensus.Roots)), black)
	y += 14
	drawText(img, x, y, fmt.Sprintf("view     %s", r.Projection), black)
}

// drawSquare fills a size×size square centred on (cx, cy).
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy < size-half; dy++ {
		for dx := -half; dx < size-half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
